package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("LogLevel = %q, want INFO", cfg.LogLevel)
	}
	if cfg.TokenTTL != 300*time.Second {
		t.Errorf("TokenTTL = %v, want 5m", cfg.TokenTTL)
	}
	if cfg.MinConfidence != 0.6 {
		t.Errorf("MinConfidence = %v, want 0.6", cfg.MinConfidence)
	}
	if !cfg.SweepEnabled {
		t.Error("sweep should default to enabled")
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Errorf("SweepInterval = %v, want 10s", cfg.SweepInterval)
	}
	if !cfg.EnforceFreeze {
		t.Error("enforce freeze should default to on")
	}
	if cfg.HealthAddr != ":8081" {
		t.Errorf("HealthAddr = %q, want :8081", cfg.HealthAddr)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APPROVAL_SIGNING_SECRET", "0123456789abcdef-long-enough")
	t.Setenv("APPROVAL_TOKEN_TTL_SEC", "60")
	t.Setenv("HALTLINE_MIN_CONFIDENCE", "0.8")
	t.Setenv("WORLD_SCHEDULER_ENABLED", "false")
	t.Setenv("HALTLINE_POSTGRES_DSN", "postgres://haltline@localhost/haltline")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != time.Minute {
		t.Errorf("TokenTTL = %v, want 1m", cfg.TokenTTL)
	}
	if cfg.MinConfidence != 0.8 {
		t.Errorf("MinConfidence = %v, want 0.8", cfg.MinConfidence)
	}
	if cfg.SweepEnabled {
		t.Error("sweep should be disabled")
	}
	if cfg.PostgresDSN == "" {
		t.Error("postgres DSN not picked up")
	}
}

func TestLoad_ShortSecretRejected(t *testing.T) {
	t.Setenv("APPROVAL_SIGNING_SECRET", "too-short")

	_, err := Load()
	if !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestLoad_MalformedNumberIsError(t *testing.T) {
	t.Setenv("APPROVAL_TOKEN_TTL_SEC", "five minutes")

	if _, err := Load(); err == nil {
		t.Fatal("malformed APPROVAL_TOKEN_TTL_SEC should fail Load")
	}
}

func TestLoad_ConfidenceOutOfRange(t *testing.T) {
	t.Setenv("HALTLINE_MIN_CONFIDENCE", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("out-of-range confidence should fail Load")
	}
}
