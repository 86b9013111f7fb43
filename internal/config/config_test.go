package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: 127.0.0.1
  port: 9000

stream:
  url: "https://stream.example/live"
  strategy: native
  stall_timeout: 8s

playback:
  max_retries: 3
  base_delay: 2000
  reconnect_delay: 1.5s

cache:
  name: radio-v7
  driver: memory
  bypass_hosts: ["zeno.fm"]
  manifest: ["/", "/index.html"]

alerts:
  duration: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("expected bind 127.0.0.1, got %s", cfg.Server.Bind)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Stream.Strategy != "native" {
		t.Errorf("expected native strategy, got %s", cfg.Stream.Strategy)
	}
	if got := cfg.Stream.StallTimeout.ToDuration(); got != 8*time.Second {
		t.Errorf("expected stall timeout 8s, got %v", got)
	}
	if got := cfg.Playback.BaseDelay.ToDuration(); got != 2*time.Second {
		t.Errorf("integer durations are milliseconds: expected 2s, got %v", got)
	}
	if got := cfg.Playback.ReconnectDelay.ToDuration(); got != 1500*time.Millisecond {
		t.Errorf("expected reconnect delay 1.5s, got %v", got)
	}
	if cfg.Cache.Name != "radio-v7" || cfg.Cache.Driver != "memory" {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if len(cfg.Cache.Manifest) != 2 {
		t.Errorf("expected 2 manifest entries, got %d", len(cfg.Cache.Manifest))
	}
	if got := cfg.Alerts.Duration.ToDuration(); got != 5*time.Second {
		t.Errorf("expected alert duration 5s, got %v", got)
	}
	if cfg.StreamHost() != "stream.example" {
		t.Errorf("expected stream host stream.example, got %s", cfg.StreamHost())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	d := Default()
	if cfg.Stream.URL != d.Stream.URL {
		t.Errorf("expected default stream url, got %s", cfg.Stream.URL)
	}
	if cfg.Playback.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Playback.MaxRetries)
	}
	if cfg.Stream.CacheBustOnReconnect {
		t.Error("cache busting must be off by default")
	}
}

func TestLoadSanitizes(t *testing.T) {
	path := writeConfig(t, `
stream:
  strategy: "hls.js please"
playback:
  max_retries: -2
cache:
  driver: redis
alerts:
  duration: 30s
prefs:
  default_volume: 250
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Stream.Strategy != "auto" {
		t.Errorf("expected auto strategy, got %s", cfg.Stream.Strategy)
	}
	if cfg.Playback.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Playback.MaxRetries)
	}
	if cfg.Cache.Driver != "disk" {
		t.Errorf("expected disk driver, got %s", cfg.Cache.Driver)
	}
	if got := cfg.Alerts.Duration.ToDuration(); got != 4*time.Second {
		t.Errorf("expected alert duration clamped to 4s, got %v", got)
	}
	if cfg.Prefs.DefaultVolume != 80 {
		t.Errorf("expected default volume 80, got %d", cfg.Prefs.DefaultVolume)
	}
}

func TestLoadRejectsBadStreamURL(t *testing.T) {
	path := writeConfig(t, `
stream:
  url: "not a url"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for stream url without host")
	}
}

func TestLoadPostgresNeedsDSN(t *testing.T) {
	path := writeConfig(t, `
cache:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SUPERRADIO_SERVER_PORT", "9100")
	t.Setenv("SUPERRADIO_STREAM_CACHE_BUST_ON_RECONNECT", "true")
	t.Setenv("SUPERRADIO_PLAYBACK_BASE_DELAY", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}
	if !cfg.Stream.CacheBustOnReconnect {
		t.Error("expected cache busting enabled from env")
	}
	if got := cfg.Playback.BaseDelay.ToDuration(); got != 3*time.Second {
		t.Errorf("expected base delay 3s, got %v", got)
	}
}
