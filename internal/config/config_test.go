package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigSane(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sentinel.MaxRetries <= 0 {
		t.Fatal("expected positive max_retries default")
	}
	if cfg.Storage.RetryCap != 5*time.Second {
		t.Fatalf("expected 5s retry cap, got %s", cfg.Storage.RetryCap)
	}
	if cfg.Worker.EnvCache.MaxEnvs <= 0 {
		t.Fatal("expected positive env cache size")
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"sentinel": {"max_retries": 7, "bind_addr": "unix:///tmp/x.sock"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Sentinel.MaxRetries != 7 {
		t.Fatalf("expected override max_retries=7, got %d", cfg.Sentinel.MaxRetries)
	}
	if cfg.Sentinel.BindAddr != "unix:///tmp/x.sock" {
		t.Fatalf("expected overridden bind_addr, got %s", cfg.Sentinel.BindAddr)
	}
	// fields not present in the file keep their defaults.
	if cfg.Backtest.WindowSize != DefaultConfig().Backtest.WindowSize {
		t.Fatal("expected untouched field to retain default")
	}
}

func TestLoadFromFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"sentinel": {"not_a_real_field": 1}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for unknown config field")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CF_MAX_RETRIES", "9")
	t.Setenv("CF_WORKER_TIMEOUT", "45s")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Sentinel.MaxRetries != 9 {
		t.Fatalf("expected env override max_retries=9, got %d", cfg.Sentinel.MaxRetries)
	}
	if cfg.Sentinel.WorkerTimeout != 45*time.Second {
		t.Fatalf("expected env override worker_timeout=45s, got %s", cfg.Sentinel.WorkerTimeout)
	}
}
