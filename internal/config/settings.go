// Package config loads service settings from the environment and
// exposes the transcription model catalog.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects how jobs are handed to workers.
type Backend string

const (
	BackendLocal       Backend = "local"
	BackendDistributed Backend = "distributed"
)

// Settings contains deployment configuration for the coordinator and workers.
type Settings struct {
	Backend  Backend
	RedisURL string

	Retention       time.Duration
	JanitorInterval time.Duration
	StaleTimeout    time.Duration
	CacheTTL        time.Duration
	ShutdownGrace   time.Duration

	PoolWorkers int
	Debug       bool

	LogLevel  string
	LogFormat string

	CatalogPath string
}

// Load reads settings from the environment, honoring a .env file when present.
func Load() (Settings, error) {
	_ = godotenv.Load()

	s := Settings{
		Backend:         Backend(envOr("EXECUTION_BACKEND", string(BackendLocal))),
		RedisURL:        envOr("REDIS_URL", "redis://localhost:6379/0"),
		Retention:       time.Hour,
		JanitorInterval: 5 * time.Minute,
		StaleTimeout:    30 * time.Minute,
		CacheTTL:        24 * time.Hour,
		ShutdownGrace:   10 * time.Second,
		PoolWorkers:     1,
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		CatalogPath:     os.Getenv("MODEL_CATALOG_PATH"),
	}

	var err error
	if s.Retention, err = envDuration("JOB_RETENTION_TIME", s.Retention); err != nil {
		return Settings{}, err
	}
	if s.JanitorInterval, err = envDuration("JANITOR_SLEEP_INTERVAL", s.JanitorInterval); err != nil {
		return Settings{}, err
	}
	if s.StaleTimeout, err = envDuration("JOB_STALE_TIMEOUT", s.StaleTimeout); err != nil {
		return Settings{}, err
	}
	if s.CacheTTL, err = envDuration("CACHE_TTL", s.CacheTTL); err != nil {
		return Settings{}, err
	}
	if s.ShutdownGrace, err = envDuration("SHUTDOWN_GRACE", s.ShutdownGrace); err != nil {
		return Settings{}, err
	}

	if raw := os.Getenv("POOL_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Settings{}, fmt.Errorf("invalid POOL_WORKERS: %q", raw)
		}
		s.PoolWorkers = n
	}
	if raw := os.Getenv("DEBUG"); raw != "" {
		s.Debug, _ = strconv.ParseBool(raw)
	}

	switch s.Backend {
	case BackendLocal, BackendDistributed:
	default:
		return Settings{}, fmt.Errorf("invalid EXECUTION_BACKEND: %q", s.Backend)
	}

	return s, nil
}

// envOr returns the variable's value or a fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration parses a duration variable, keeping the fallback when unset.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}
