package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.IPv4Pool != "10.0.0.0/16" {
		t.Errorf("IPv4Pool = %q, want 10.0.0.0/16", cfg.Session.IPv4Pool)
	}
	if cfg.Session.HookTimeout != 30*time.Second {
		t.Errorf("HookTimeout = %v, want 30s", cfg.Session.HookTimeout)
	}
	if cfg.Paths.StateDir != "/var/lib/corenet" {
		t.Errorf("StateDir = %q", cfg.Paths.StateDir)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corenet.yaml")
	body := "session:\n  ipv4_pool: 172.16.0.0/16\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.IPv4Pool != "172.16.0.0/16" {
		t.Errorf("IPv4Pool = %q, want 172.16.0.0/16", cfg.Session.IPv4Pool)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Unset keys keep defaults.
	if cfg.Session.ServiceTimeout != 60*time.Second {
		t.Errorf("ServiceTimeout = %v, want 60s", cfg.Session.ServiceTimeout)
	}
}

func TestLegacyEnvOverride(t *testing.T) {
	t.Setenv("CORE_STATE_DIR", "/tmp/corenet-test-state")
	t.Setenv("CONFDIR", "/tmp/corenet-test-conf")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.StateDir != "/tmp/corenet-test-state" {
		t.Errorf("StateDir = %q, want env override", cfg.Paths.StateDir)
	}
	if cfg.Paths.ConfDir != "/tmp/corenet-test-conf" {
		t.Errorf("ConfDir = %q, want env override", cfg.Paths.ConfDir)
	}
}
