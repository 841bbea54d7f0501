// Package config resolves shellprobe settings from flags, SHELLPROBE_*
// environment variables and an optional config file.
//
// Precedence, highest first: explicitly set flags, environment, config
// file, defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SHELLPROBE"

// Keys. Flags with the same name, dashes for underscores, bind to them.
const (
	KeyURL           = "url"
	KeyExec          = "exec"
	KeyTimeout       = "timeout"
	KeySettle        = "settle"
	KeyParallel      = "parallel"
	KeyDB            = "db"
	KeyGoldenDir     = "golden_dir"
	KeyDeterministic = "deterministic"
	KeyFixtures      = "fixtures"
	KeyAddr          = "addr"
)

// Defaults.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultParallel = 1
	DefaultAddr     = "127.0.0.1:8765"
)

// Config holds resolved settings.
type Config struct {
	// URL is the WebSocket endpoint of the backend.
	URL string

	// Exec is a backend command line spawned and spoken to over stdio.
	Exec string

	// Timeout bounds the wait for each expected envelope.
	Timeout time.Duration

	// Settle is the quiet period checked for stray envelopes after each
	// validated request. Zero disables the check.
	Settle time.Duration

	// Parallel is the number of scripts run at once.
	Parallel int

	// DB is the SQLite transcript store. Empty disables persistence.
	DB string

	// GoldenDir overrides where golden transcripts live.
	GoldenDir string

	// Deterministic numbers request IDs instead of using UUIDv7.
	Deterministic bool

	// Fixtures is the stub backend fixture file.
	Fixtures string

	// Addr is the listen address of the stub backend.
	Addr string
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyURL, "")
	v.SetDefault(KeyExec, "")
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeySettle, time.Duration(0))
	v.SetDefault(KeyParallel, DefaultParallel)
	v.SetDefault(KeyDB, "")
	v.SetDefault(KeyGoldenDir, "")
	v.SetDefault(KeyDeterministic, false)
	v.SetDefault(KeyFixtures, "")
	v.SetDefault(KeyAddr, DefaultAddr)
	return v
}

// BindFlags binds every flag in fs whose name matches a config key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKey(key) {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func isKey(key string) bool {
	switch key {
	case KeyURL, KeyExec, KeyTimeout, KeySettle, KeyParallel, KeyDB,
		KeyGoldenDir, KeyDeterministic, KeyFixtures, KeyAddr:
		return true
	}
	return false
}

// Load reads the config file and resolves a Config.
//
// With an empty path, a shellprobe.{yaml,json,toml} in the working directory
// is used if present. An explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("shellprobe")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		URL:           v.GetString(KeyURL),
		Exec:          v.GetString(KeyExec),
		Timeout:       v.GetDuration(KeyTimeout),
		Settle:        v.GetDuration(KeySettle),
		Parallel:      v.GetInt(KeyParallel),
		DB:            v.GetString(KeyDB),
		GoldenDir:     v.GetString(KeyGoldenDir),
		Deterministic: v.GetBool(KeyDeterministic),
		Fixtures:      v.GetString(KeyFixtures),
		Addr:          v.GetString(KeyAddr),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that are wrong regardless of the command.
func (c *Config) Validate() error {
	if c.URL != "" && c.Exec != "" {
		return errors.New("config: url and exec are mutually exclusive")
	}
	if c.URL != "" && !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("config: url %q must start with ws:// or wss://", c.URL)
	}
	if c.Exec != "" {
		if _, _, err := c.ExecArgs(); err != nil {
			return err
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive, got %s", c.Timeout)
	}
	if c.Settle < 0 {
		return fmt.Errorf("config: settle must not be negative, got %s", c.Settle)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("config: parallel must be at least 1, got %d", c.Parallel)
	}
	return nil
}

// RequireBackend checks that a backend to connect to is configured.
func (c *Config) RequireBackend() error {
	if c.URL == "" && c.Exec == "" {
		return errors.New("no backend: set --url or --exec")
	}
	return nil
}

// ExecArgs splits Exec into a program and its arguments with shell quoting
// rules, so "python -c 'print(1)'" yields a single script argument.
func (c *Config) ExecArgs() (string, []string, error) {
	fields, err := shellwords.Parse(c.Exec)
	if err != nil {
		return "", nil, fmt.Errorf("config: exec %q: %w", c.Exec, err)
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("config: exec %q names no program", c.Exec)
	}
	return fields[0], fields[1:], nil
}
