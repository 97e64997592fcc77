package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PresenceThrottle != 150*time.Millisecond {
		t.Fatalf("PresenceThrottle = %s, want 150ms", cfg.PresenceThrottle)
	}
	if cfg.NotFoundGrace != time.Second {
		t.Fatalf("NotFoundGrace = %s, want 1s", cfg.NotFoundGrace)
	}
	if !cfg.Passive {
		t.Fatal("expected passive mode by default")
	}
	if cfg.IdentityFile != filepath.Join(cfg.DataDir, "identity.toml") {
		t.Fatalf("IdentityFile = %q, want it under DataDir %q", cfg.IdentityFile, cfg.DataDir)
	}
	if cfg.RelayLogCap != 4096 {
		t.Fatalf("RelayLogCap = %d, want 4096", cfg.RelayLogCap)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("FULLSCREEN_PRESENCE_THROTTLE", "40ms")
	t.Setenv("FULLSCREEN_REDIS_URL", "redis://localhost:6379/3")
	t.Setenv("FULLSCREEN_SESSION_PASSIVE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PresenceThrottle != 40*time.Millisecond {
		t.Fatalf("PresenceThrottle = %s, want 40ms", cfg.PresenceThrottle)
	}
	if cfg.RedisURL != "redis://localhost:6379/3" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.Passive {
		t.Fatal("expected passive mode to be disabled by env")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.toml")
	contents := `
[relay]
url = "ws://relay.example:9000"

[data]
dir = "` + filepath.ToSlash(dir) + `"

[presence]
throttle = "0s"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.RelayURL != "ws://relay.example:9000" {
		t.Fatalf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.PresenceThrottle != 150*time.Millisecond {
		t.Fatalf("non-positive throttle should fall back to 150ms, got %s", cfg.PresenceThrottle)
	}
	if cfg.IdentityFile != filepath.Join(filepath.ToSlash(dir), "identity.toml") {
		t.Fatalf("IdentityFile = %q", cfg.IdentityFile)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for an explicit missing config file")
	}
}
