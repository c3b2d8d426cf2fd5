package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliOptions = `{"secrets":["cli-secret"],"expected_receive_period_in_days":1,"template":{"item":{"title":"{{title}}"}}}`

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "agents", "events"} {
		require.Truef(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func TestAgentsValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(cliOptions), 0o644))

	out, err := runCmd(t, "", "agents", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "options are valid")

	out, err = runCmd(t, `{"secrets":["a.b"]}`, "agents", "validate", "-")
	require.Error(t, err)
	assert.Contains(t, out, "slash or dot")
}

func TestAgentsCreatePushList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FEEDD_DB_PATH", filepath.Join(dir, "feedd.db"))
	t.Setenv("FEEDD_DOMAIN", "feeds.example")
	t.Setenv("FEEDD_LOG_LEVEL", "error")
	t.Setenv("FEEDD_METRICS_ENABLED", "false")

	out, err := runCmd(t, cliOptions, "agents", "create", "--user", "u1", "--name", "News", "--options", "-", "--source", "src-1")
	require.NoError(t, err)
	agentID := strings.TrimSpace(out)
	require.NotEmpty(t, agentID)

	out, err = runCmd(t, "", "events", "push", "--agent", "src-1", "--payload", `{"title":"Hello"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered to 1 agent(s)")

	out, err = runCmd(t, "", "agents", "list")
	require.NoError(t, err)
	assert.Contains(t, out, agentID)
	assert.Contains(t, out, "true")
	assert.Contains(t, out, "https://feeds.example/users/u1/web_requests/"+agentID+"/cli-secret.xml")

	_, err = runCmd(t, "", "events", "push", "--agent", "src-1", "--payload", `[1]`)
	assert.Error(t, err)
}
