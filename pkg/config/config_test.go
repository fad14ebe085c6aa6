package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Chunk.Size != 800 || cfg.Chunk.Overlap != 100 {
		t.Errorf("unexpected chunk defaults: %+v", cfg.Chunk)
	}
	if cfg.Search.Alpha != 0.7 || cfg.Search.RRFK != 60 {
		t.Errorf("unexpected search defaults: %+v", cfg.Search)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
database_path: /tmp/kb.db
ontology_path: ontology.yaml
search:
  alpha: 0.5
cache:
  max_age: 24h
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabasePath != "/tmp/kb.db" || cfg.Search.Alpha != 0.5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Cache.MaxAge.Std() != 24*time.Hour {
		t.Errorf("duration not parsed: %v", cfg.Cache.MaxAge)
	}
	// Untouched keys keep their defaults.
	if cfg.Search.RRFK != 60 || cfg.Chunk.Size != 800 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database_path: [unclosed"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger failed: %v", err)
	}
	_ = logger.Sync

	cfg.Log.Level = "chatty"
	if _, err := cfg.Logger(); err == nil {
		t.Error("expected invalid level error")
	}
}
