// Package config parses the taskqueue binary's configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mhpenta/taskqueue"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration sourced from environment variables.
type Config struct {
	// ── Storage ──────────────────────────────────────────────────────────────────
	Backend     string `env:"TASKQUEUE_BACKEND"      envDefault:"sqlite"`
	SQLitePath  string `env:"TASKQUEUE_SQLITE_PATH"  envDefault:"taskqueue.db"`
	PostgresDSN string `env:"TASKQUEUE_POSTGRES_DSN"`
	RedisURL    string `env:"TASKQUEUE_REDIS_URL"    envDefault:"redis://localhost:6379/0"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	ClaimAttempts      int           `env:"TASKQUEUE_CLAIM_ATTEMPTS"      envDefault:"10"`
	DefaultTimeout     time.Duration `env:"TASKQUEUE_DEFAULT_TIMEOUT"     envDefault:"5m"`
	DefaultRetries     int           `env:"TASKQUEUE_DEFAULT_RETRIES"     envDefault:"3"`
	CompletedRetention time.Duration `env:"TASKQUEUE_COMPLETED_RETENTION" envDefault:"0s"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerConcurrency   int           `env:"TASKQUEUE_WORKER_CONCURRENCY"    envDefault:"1"`
	WorkerPollInterval  time.Duration `env:"TASKQUEUE_WORKER_POLL_INTERVAL"  envDefault:"2s"`
	WorkerSweepInterval time.Duration `env:"TASKQUEUE_WORKER_SWEEP_INTERVAL" envDefault:"1m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses and validates Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: TASKQUEUE_SQLITE_PATH must not be empty")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: TASKQUEUE_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: TASKQUEUE_REDIS_URL must not be empty")
		}
	default:
		return fmt.Errorf("config: unknown TASKQUEUE_BACKEND %q", c.Backend)
	}
	return nil
}

// Queue returns the engine configuration.
func (c *Config) Queue() taskqueue.Config {
	return taskqueue.Config{
		ClaimAttempts:      c.ClaimAttempts,
		DefaultTimeout:     c.DefaultTimeout,
		DefaultRetries:     c.DefaultRetries,
		CompletedRetention: c.CompletedRetention,
	}
}
