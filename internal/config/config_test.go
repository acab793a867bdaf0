// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("JOBQUEUE_WORKER_CONCURRENCY")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency != 16 {
		t.Fatalf("expected default worker concurrency 16, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Redis.URL == "" {
		t.Fatalf("expected default redis url")
	}
	if cfg.Transport != "memory" {
		t.Fatalf("expected auto-detected memory transport, got %q", cfg.Transport)
	}
}

func TestLoadDetectsRedis(t *testing.T) {
	os.Setenv("JOBQUEUE_REDIS_URL", "redis://somehost:6379")
	defer os.Unsetenv("JOBQUEUE_REDIS_URL")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "redis" {
		t.Fatalf("expected redis transport once redis.url is set, got %q", cfg.Transport)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.MaxAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.max_attempts < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.RetryBackoff = "linear"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid retry_backoff")
	}

	cfg = defaultConfig()
	cfg.Worker.GracefulShutdownTimeout = 2 * 1e9
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for graceful_shutdown_timeout < 5s")
	}
}
