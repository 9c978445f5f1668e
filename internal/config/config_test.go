package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "GIN_MODE", "WORKERS", "QUEUE_SIZE", "QUALITY_START", "QUALITY_STEP", "QUALITY_FLOOR", "FETCH_TIMEOUT", "DATA_DIR"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 64 {
		t.Fatalf("unexpected worker defaults: workers=%d queue=%d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.QualityStart != 100 || cfg.QualityStep != 10 || cfg.QualityFloor != 10 {
		t.Fatalf("unexpected quality defaults: %d/%d/%d", cfg.QualityStart, cfg.QualityStep, cfg.QualityFloor)
	}
	if cfg.FetchTimeout != 10*time.Minute {
		t.Fatalf("unexpected fetch timeout: %s", cfg.FetchTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKERS", "2")
	t.Setenv("FETCH_TIMEOUT", "30s")
	t.Setenv("CLEANUP_WORKSPACE", "true")
	t.Setenv("MAX_IMAGE_BYTES", "1024")
	t.Setenv("QUEUE_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Workers)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Fatalf("fetch timeout = %s, want 30s", cfg.FetchTimeout)
	}
	if !cfg.CleanupWorkspace {
		t.Fatal("expected CleanupWorkspace to be true")
	}
	if cfg.MaxImageBytes != 1024 {
		t.Fatalf("max image bytes = %d, want 1024", cfg.MaxImageBytes)
	}
	// 不正な値はデフォルトにフォールバックする
	if cfg.QueueSize != 64 {
		t.Fatalf("queue size = %d, want default 64", cfg.QueueSize)
	}
}

func TestValidateQualityRange(t *testing.T) {
	cfg := &Config{
		DataDir:         "data",
		Workers:         1,
		QueueSize:       1,
		DocumentWorkers: 1,
		QualityStart:    20,
		QualityStep:     5,
		QualityFloor:    40,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when floor exceeds start")
	}

	cfg.QualityFloor = 10
	cfg.QualityStep = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero step")
	}
}

func TestValidateReleaseRequiresSecret(t *testing.T) {
	cfg := &Config{
		GinMode:         "release",
		DataDir:         "data",
		Workers:         1,
		QueueSize:       1,
		DocumentWorkers: 1,
		QualityStart:    100,
		QualityStep:     10,
		QualityFloor:    10,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without SESSION_SECRET in release mode")
	}
	cfg.SessionSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
