package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Settle)
	assert.Equal(t, DefaultParallel, cfg.Parallel)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Empty(t, cfg.URL)
	assert.False(t, cfg.Deterministic)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, "shellprobe.yaml", `
url: ws://localhost:9000/shell
timeout: 5s
settle: 50ms
parallel: 4
golden_dir: ./golden
deterministic: true
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/shell", cfg.URL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Settle)
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, "./golden", cfg.GoldenDir)
	assert.True(t, cfg.Deterministic)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "shellprobe.yaml", "timeout: 5s\nparallel: 2\n")
	t.Setenv("SHELLPROBE_TIMEOUT", "9s")
	t.Setenv("SHELLPROBE_GOLDEN_DIR", "/tmp/golden")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.Parallel)
	assert.Equal(t, "/tmp/golden", cfg.GoldenDir)
}

func TestBindFlags_ChangedFlagWins(t *testing.T) {
	t.Setenv("SHELLPROBE_PARALLEL", "3")
	t.Setenv("SHELLPROBE_SETTLE", "10ms")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("parallel", DefaultParallel, "")
	fs.Duration("settle", 0, "")
	fs.String("golden-dir", "", "")
	fs.Bool("update", false, "")
	require.NoError(t, fs.Parse([]string{"--parallel", "8", "--golden-dir", "out"}))

	v := New()
	require.NoError(t, BindFlags(v, fs))

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Parallel, "set flag beats environment")
	assert.Equal(t, 10*time.Millisecond, cfg.Settle, "environment beats unset flag")
	assert.Equal(t, "out", cfg.GoldenDir, "dashed flag binds to underscored key")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Timeout: time.Second, Parallel: 1}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"ok", func(*Config) {}, ""},
		{"url and exec", func(c *Config) { c.URL = "ws://x"; c.Exec = "backend" }, "mutually exclusive"},
		{"bad scheme", func(c *Config) { c.URL = "http://x" }, "ws://"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative settle", func(c *Config) { c.Settle = -time.Second }, "settle"},
		{"zero parallel", func(c *Config) { c.Parallel = 0 }, "parallel"},
		{"unbalanced exec quote", func(c *Config) { c.Exec = `backend "--stdio` }, "exec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRequireBackendAndExecArgs(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.RequireBackend())

	cfg.Exec = "  ./backend --stdio  -v "
	require.NoError(t, cfg.RequireBackend())

	name, args, err := cfg.ExecArgs()
	require.NoError(t, err)
	assert.Equal(t, "./backend", name)
	assert.Equal(t, []string{"--stdio", "-v"}, args)
}

func TestExecArgs_Quoting(t *testing.T) {
	tests := []struct {
		exec     string
		wantName string
		wantArgs []string
		errMsg   string
	}{
		{exec: `python -c 'print(1)'`, wantName: "python", wantArgs: []string{"-c", "print(1)"}},
		{exec: `"/opt/my backend/run" --name "a b"`, wantName: "/opt/my backend/run", wantArgs: []string{"--name", "a b"}},
		{exec: `backend --path my\ dir`, wantName: "backend", wantArgs: []string{"--path", "my dir"}},
		{exec: `backend 'unterminated`, errMsg: "exec"},
		{exec: `   `, errMsg: "names no program"},
	}

	for _, tt := range tests {
		t.Run(tt.exec, func(t *testing.T) {
			cfg := &Config{Exec: tt.exec}
			name, args, err := cfg.ExecArgs()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
