// Package handoff restarts the daemon in place: the running process passes
// its listening socket to a fresh copy of itself, so feed requests keep
// being accepted while the old process drains.
package handoff

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

const (
	inheritEnv = "FEEDD_INHERIT_FD"
	fdEnv      = "FEEDD_FD"
)

// Listen returns the socket inherited from a previous process when there is
// one, and a new TCP listener on addr otherwise.
func Listen(addr string) (ln net.Listener, inherited bool, err error) {
	ln, err = FromEnv()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}

// FromEnv rebuilds the listener handed over by Restarter, or returns nil
// when the process was started normally.
func FromEnv() (net.Listener, error) {
	if os.Getenv(inheritEnv) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(fdEnv)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

// Restart starts a new process with the listener as fd 3. The caller stops
// serving afterwards.
func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}
	defer file.Close()

	exe, err := os.Executable()
	if err != nil {
		exe = r.Args[0]
	}
	cmd := exec.Command(exe, r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append([]string{}, r.Env...), inheritEnv+"=1", fdEnv+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	return nil
}

func listenerFile(listener net.Listener) (*os.File, error) {
	ln, ok := listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
	file, err := ln.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return file, nil
}
