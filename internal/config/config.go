// Package config loads and watches the runtime tuning file for the Kestrel
// scheduler: pool sizing, backpressure thresholds, the inspector surface, and
// the runtime compatibility gate.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	semver "github.com/Masterminds/semver/v3"
)

// RuntimeVersion is the version the compatibility gate in config files is
// checked against.
const RuntimeVersion = "0.4.0"

// Config is the on-disk runtime tuning.
type Config struct {
	// RuntimeCompat is a semver constraint the running runtime version must
	// satisfy, e.g. ">= 0.4, < 1.0". Empty accepts any version.
	RuntimeCompat string `toml:"runtime-compat"`

	Scheduler Scheduler `toml:"scheduler"`
	Inspector Inspector `toml:"inspector"`
	Trace     Trace     `toml:"trace"`
}

// Scheduler tunes the worker pool and backpressure policy. These knobs hot
// reload where noted.
type Scheduler struct {
	Workers          int  `toml:"workers"`
	RunqueueCapacity int  `toml:"runqueue-capacity"`
	PinWorkers       bool `toml:"pin-workers"`

	// OverloadThreshold hot reloads.
	OverloadThreshold uint32 `toml:"overload-threshold"`
}

// Inspector configures the debug HTTP surface.
type Inspector struct {
	Addr  string `toml:"addr"`
	HTTP3 bool   `toml:"http3"`
	// CertFile and KeyFile select the HTTP/3 certificate; empty generates a
	// self-signed pair.
	CertFile string `toml:"cert-file"`
	KeyFile  string `toml:"key-file"`
}

// Trace sizes the runtime trace ring; zero disables tracing.
type Trace struct {
	RingSize int `toml:"ring-size"`
}

// Default returns the built-in tuning.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			OverloadThreshold: 800,
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency and the runtime compatibility gate.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("config: scheduler.workers must be non-negative, got %d", c.Scheduler.Workers)
	}
	if c.RuntimeCompat == "" {
		return nil
	}
	con, err := semver.NewConstraint(c.RuntimeCompat)
	if err != nil {
		return fmt.Errorf("config: invalid runtime-compat %q: %w", c.RuntimeCompat, err)
	}
	v, err := semver.NewVersion(RuntimeVersion)
	if err != nil {
		return fmt.Errorf("config: bad runtime version %q: %w", RuntimeVersion, err)
	}
	if !con.Check(v) {
		return fmt.Errorf("config: runtime %s does not satisfy runtime-compat %q", RuntimeVersion, c.RuntimeCompat)
	}
	return nil
}
