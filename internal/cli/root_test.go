package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliFixture = `
routes:
  - command: GetVersion
    responses:
      - {type: OK, result: "1.4.2", done: true}
  - command: ListConnections
    responses:
      - {type: PENDING}
      - {type: OK, result: [local, staging], done: true}
  - command: Fail
    responses:
      - {type: ERROR, msg: permission denied}
  - command: Echo
    responses:
      - {type: OK, echo_args: true, done: true}
`

const versionScript = `name: version
steps:
  - send:
      command: GetVersion
    expect:
      - request_state: {type: OK}
        result: !regex '^\d+\.\d+'
        done: true
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// writeFile writes content to dir/name, creating parent directories.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "shellprobe", cmd.Use)
	assert.Contains(t, cmd.Long, "envelope protocol")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "validate", "send", "serve", "history", "trace"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"url", "exec", "timeout", "settle", "parallel", "db", "golden-dir", "update", "filter", "deterministic"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "validate", "--format", "xml", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfigFileSuppliesBackend(t *testing.T) {
	url := startBackend(t)
	dir := t.TempDir()
	writeFile(t, dir, "scripts/version.yaml", versionScript)
	cfgPath := writeFile(t, dir, "shellprobe.yaml", "url: "+url+"\ntimeout: 2s\n")

	out, err := execute(t, "run", "--config", cfgPath, filepath.Join(dir, "scripts"))
	require.NoError(t, err)
	assert.Contains(t, out, "\u2713 version")
}

func TestBadConfigFile(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "shellprobe.yaml", "parallel: 0\n")

	_, err := execute(t, "run", "--config", cfgPath, "--url", "ws://localhost:1", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "parallel")
}
