package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Receipts.MaxRetries != 10 {
		t.Fatalf("unexpected retry cap: %d", cfg.Receipts.MaxRetries)
	}
	if cfg.Holding.RetentionWindow != 48*time.Hour {
		t.Fatalf("unexpected retention window: %v", cfg.Holding.RetentionWindow)
	}
}

func TestLoadFromPathMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "holding:\n  retentionWindow: 2h\nreceipts:\n  maxRetries: 3\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Holding.RetentionWindow != 2*time.Hour {
		t.Fatalf("retention window not merged: %v", cfg.Holding.RetentionWindow)
	}
	if cfg.Receipts.MaxRetries != 3 {
		t.Fatalf("retry cap not merged: %d", cfg.Receipts.MaxRetries)
	}
	if cfg.Pipeline.WorkerPoolSize == 0 {
		t.Fatal("unset sections must keep defaults")
	}
}

func TestLoadFromPathMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("holding: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected parse error")
	}
}
