package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrBurberry/huginn/internal/api"
	"github.com/MrBurberry/huginn/internal/handoff"
)

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve feeds and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &api.Server{
		Store:     a.store,
		Bus:       a.bus,
		Feeds:     a.feeds,
		Windows:   a.windows,
		Logger:    a.logger,
		Metrics:   a.metrics,
		StartedAt: time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: a.cfg.HTTPAddr,
			DataDir:  a.cfg.DataDir,
			DBPath:   a.cfg.DBPath,
			Domain:   a.cfg.Domain,
			TimeZone: a.cfg.TimeZone,
		},
	}
	if a.registry != nil {
		server.Gatherer = a.registry
	}

	listener, inherited, err := handoff.Listen(a.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	restarter := &handoff.Restarter{Listener: listener, Args: os.Args, Env: os.Environ()}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("feedd listening", "addr", listener.Addr().String(), "domain", a.cfg.Domain, "inherited", inherited)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case err := <-errCh:
			if err != nil {
				return err
			}
			break wait
		case <-hup:
			// The new process accepts on the shared socket from here on.
			if err := restarter.Restart(); err != nil {
				a.logger.Error("restart failed", "error", err)
				continue
			}
			a.logger.Info("handed listener to new process, draining")
			break wait
		}
	}

	// Streaming handlers hold their request open; cancel them before draining.
	serverCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "error", err)
		_ = httpServer.Close()
	}
	a.logger.Info("feedd stopped")
	return nil
}
