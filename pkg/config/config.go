// Package config loads daemon configuration from the environment and gate
// profiles from YAML files on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MinSecretLen is the minimum accepted length for signing secrets. Shorter
// secrets are rejected outright rather than padded or stretched.
const MinSecretLen = 16

// ErrSecretTooShort is returned when a configured signing secret fails the
// minimum length check.
var ErrSecretTooShort = fmt.Errorf("signing secret shorter than %d characters", MinSecretLen)

// Config holds daemon configuration.
type Config struct {
	LogLevel string
	DataDir  string

	// State and token persistence. SQLite is the default; a Postgres DSN or
	// Redis address switches the corresponding store backend.
	DBPath      string
	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	// Approval token signing.
	SigningSecret string
	TokenTTL      time.Duration

	// Uncertainty gate.
	MinConfidence float64
	ProfileDir    string
	ProfileName   string

	// Enforcement sweep loop.
	SweepEnabled  bool
	SweepInterval time.Duration
	EnforceFreeze bool

	// Evidence blob storage (see evidence.NewStoreFromEnv for remote backends).
	EvidenceDir string

	// Telemetry export. Empty disables the OTLP exporters.
	OTLPEndpoint string

	// HealthAddr is the listen address of the daemon's health endpoint.
	HealthAddr string
}

// Load loads configuration from environment variables. Malformed numeric
// values are errors, not silently replaced defaults: a typo in a safety knob
// must stop the daemon at boot.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		DataDir:       getEnv("HALTLINE_DATA_DIR", "./data"),
		PostgresDSN:   os.Getenv("HALTLINE_POSTGRES_DSN"),
		RedisAddr:     os.Getenv("HALTLINE_REDIS_ADDR"),
		SigningSecret: os.Getenv("APPROVAL_SIGNING_SECRET"),
		ProfileDir:    getEnv("HALTLINE_PROFILE_DIR", "./profiles"),
		ProfileName:   getEnv("HALTLINE_PROFILE", "default"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HealthAddr:    getEnv("HALTLINE_HEALTH_ADDR", ":8081"),
	}
	cfg.DBPath = getEnv("HALTLINE_DB_PATH", filepath.Join(cfg.DataDir, "haltline.db"))
	cfg.EvidenceDir = getEnv("EVIDENCE_DIR", filepath.Join(cfg.DataDir, "evidence"))

	redisDB, err := getEnvInt("HALTLINE_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = redisDB

	ttlSec, err := getEnvInt("APPROVAL_TOKEN_TTL_SEC", 300)
	if err != nil {
		return nil, err
	}
	cfg.TokenTTL = time.Duration(ttlSec) * time.Second

	minConf, err := getEnvFloat("HALTLINE_MIN_CONFIDENCE", 0.6)
	if err != nil {
		return nil, err
	}
	if minConf < 0 || minConf > 1 {
		return nil, fmt.Errorf("HALTLINE_MIN_CONFIDENCE out of range [0,1]: %v", minConf)
	}
	cfg.MinConfidence = minConf

	cfg.SweepEnabled = getEnvBool("WORLD_SCHEDULER_ENABLED", true)
	intervalSec, err := getEnvInt("WORLD_SCHEDULER_INTERVAL_S", 10)
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(intervalSec) * time.Second
	cfg.EnforceFreeze = getEnvBool("WORLD_SCHEDULER_ENFORCE_FREEZE", true)

	if cfg.SigningSecret != "" && len(cfg.SigningSecret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid float %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
