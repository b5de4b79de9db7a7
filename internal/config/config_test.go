package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "kestrel.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
runtime-compat = ">= 0.4, < 1.0"

[scheduler]
workers = 4
overload-threshold = 256
pin-workers = true

[inspector]
addr = "127.0.0.1:0"
http3 = true

[trace]
ring-size = 1024
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.OverloadThreshold != 256 || !cfg.Scheduler.PinWorkers {
		t.Fatalf("scheduler section: %+v", cfg.Scheduler)
	}
	if cfg.Inspector.Addr != "127.0.0.1:0" || !cfg.Inspector.HTTP3 {
		t.Fatalf("inspector section: %+v", cfg.Inspector)
	}
	if cfg.Trace.RingSize != 1024 {
		t.Fatalf("trace section: %+v", cfg.Trace)
	}
}

func TestLoadDefaultsApply(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.OverloadThreshold != 800 {
		t.Fatalf("default overload threshold: %d", cfg.Scheduler.OverloadThreshold)
	}
}

func TestRuntimeCompatGate(t *testing.T) {
	dir := t.TempDir()

	path := writeConfig(t, dir, `runtime-compat = ">= 2.0"`)
	if _, err := Load(path); err == nil {
		t.Fatal("incompatible constraint must be rejected")
	}

	path = writeConfig(t, dir, `runtime-compat = "not-a-constraint ???"`)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed constraint must be rejected")
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[scheduler]
overload-threshold = 100
`)

	changed := make(chan *Config, 4)
	stop, err := Watch(path, func(c *Config) { changed <- c }, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stop() }()

	if err := os.WriteFile(path, []byte("\n[scheduler]\noverload-threshold = 200\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Scheduler.OverloadThreshold != 200 {
			t.Fatalf("reloaded threshold=%d", cfg.Scheduler.OverloadThreshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never delivered")
	}
}

func TestWatchKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[scheduler]\nworkers = 1\n")

	changed := make(chan *Config, 4)
	errs := make(chan error, 4)
	stop, err := Watch(path, func(c *Config) { changed <- c }, func(e error) { errs <- e })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stop() }()

	if err := os.WriteFile(path, []byte("workers = {{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-errs:
	case cfg := <-changed:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(5 * time.Second):
		t.Fatal("parse error never reported")
	}
}
