package server

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("READERVIEW_ADDR", "127.0.0.1:9999")
	t.Setenv("PORT", "")
	t.Setenv("READERVIEW_CACHE_TTL", "30s")
	t.Setenv("READERVIEW_CONVERT_TIMEOUT", "bogus")
	t.Setenv("READERVIEW_SUPPRESS", "images")
	cfg := DefaultConfig()
	if cfg.Addr != "127.0.0.1:9999" || cfg.CacheTTL != 30*time.Second || cfg.Defaults.Suppress != "images" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ConvertTimeout != defaultConvertTimeout {
		t.Fatalf("bad duration was used: %v", cfg.ConvertTimeout)
	}

	t.Setenv("PORT", "7000")
	if got := DefaultConfig().Addr; got != ":7000" {
		t.Fatalf("PORT ignored: %q", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readerview.yaml")
	writeFile(t, path, `
addr: ":9090"
cacheTTL: 2m
extraCSS:
  - "body { color: red }"
defaults:
  suppress: all
  trigger: start
stages:
  download: {start: 0, end: 0.5}
  load: {start: 0.5, end: 0.8}
  loadDirect: {start: 0, end: 0.8}
  render: {start: 0.8, end: 1}
`)
	cfg := Config{Addr: ":8080", CacheSize: 10}
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.CacheTTL != 2*time.Minute || cfg.CacheSize != 10 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ExtraCSS) != 1 || cfg.Defaults.Trigger != "start" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Stages == nil || cfg.Stages.Load.End != 0.8 || cfg.Stages.Validate() != nil {
		t.Fatalf("stages = %+v", cfg.Stages)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, "defaults:\n  suppress: sometimes\n")
	if err := LoadConfigFile(bad, &Config{}); err == nil {
		t.Fatalf("invalid defaults accepted")
	}
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &Config{}); err == nil {
		t.Fatalf("missing file accepted")
	}
}
