// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/UltraSive/kvstate/internal/datastore"
)

// Config is read from KVSTATE_* variables.
type Config struct {
	Backend       string        `env:"KVSTATE_BACKEND"        envDefault:"sqlite"`
	DataPath      string        `env:"KVSTATE_DATA_PATH"      envDefault:"./kvstate-data"`
	HTTPAddr      string        `env:"KVSTATE_HTTP_ADDR"      envDefault:":8080"`
	SocketPath    string        `env:"KVSTATE_SOCKET_PATH"    envDefault:"/tmp/kvstate.sock"`
	RemoteURL     string        `env:"KVSTATE_REMOTE_URL"`
	RemoteTimeout time.Duration `env:"KVSTATE_REMOTE_TIMEOUT" envDefault:"5s"`
	PollInterval  time.Duration `env:"KVSTATE_POLL_INTERVAL"  envDefault:"1s"`
	JournalSize   int           `env:"KVSTATE_JOURNAL_SIZE"   envDefault:"1024"`
	Debug         bool          `env:"KVSTATE_DEBUG"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(datastore.Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("KVSTATE_BACKEND must be one of %s, got %q",
			strings.Join(datastore.Backends, ", "), c.Backend))
	}
	if c.Backend != datastore.BackendMemory && strings.TrimSpace(c.DataPath) == "" {
		errs = append(errs, errors.New("KVSTATE_DATA_PATH is required"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("KVSTATE_REMOTE_TIMEOUT must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("KVSTATE_POLL_INTERVAL must be positive"))
	}
	if c.JournalSize <= 0 {
		errs = append(errs, errors.New("KVSTATE_JOURNAL_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// Remote reports whether the process should use a store served elsewhere.
func (c Config) Remote() bool { return c.RemoteURL != "" }
