// ABOUTME: Tests for the YAML daemon configuration
// ABOUTME: Verifies defaults and file overrides

package service

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Expected sqlite backend, got %s", cfg.Store.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected info level, got %s", cfg.Log.Level)
	}
	if cfg.MetricsAddr == "" {
		t.Errorf("Expected a default metrics address")
	}
}

func TestLoadConfig(t *testing.T) {
	path := "/tmp/test_reves_config_" + t.Name() + ".yaml"
	defer os.Remove(path)

	raw := []byte("store:\n  backend: memory\nlog:\n  level: debug\n  pretty: true\nmetrics_addr: \":9999\"\n")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("Expected debug/pretty logging, got %+v", cfg.Log)
	}
	if cfg.MetricsAddr != ":9999" {
		t.Errorf("Expected :9999, got %s", cfg.MetricsAddr)
	}

	// Unset file keys keep their defaults.
	if cfg.Store.Path != "reves.db" {
		t.Errorf("Expected default path kept, got %s", cfg.Store.Path)
	}

	if _, err := LoadConfig("/tmp/definitely-missing-reves.yaml"); err == nil {
		t.Errorf("Expected missing file to fail")
	}
}
