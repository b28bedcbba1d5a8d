package reclaim

import (
	"time"

	"executor/internal/config"
)

// Config holds retention and batching configuration for reclamation sweeps.
type Config struct {
	StaleAfter        time.Duration // RUNNING without a heartbeat for this long is failed (default: 72h)
	FinishedRetention time.Duration // FINISHED resources are kept this long (default: 24h)
	FailedRetention   time.Duration // FAILED resources are kept this long for debugging (default: 14d)
	OrphanGrace       time.Duration // minimum orphan container age before removal (default: 1h)
	BatchSize         int           // executions examined per sweep run (default: 500)
	Concurrency       int           // parallel platform calls per sweep (default: 4)
}

// LoadConfigFromEnv loads sweep configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		StaleAfter:        config.GetDurationEnv("STALE_RUNNING_AFTER", 72*time.Hour),
		FinishedRetention: config.GetDurationEnv("FINISHED_RETENTION", 24*time.Hour),
		FailedRetention:   config.GetDurationEnv("FAILED_RETENTION", 14*24*time.Hour),
		OrphanGrace:       config.GetDurationEnv("ORPHAN_GRACE", time.Hour),
		BatchSize:         config.GetIntEnv("SWEEP_BATCH_SIZE", 500),
		Concurrency:       config.GetIntEnv("SWEEP_CONCURRENCY", 4),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 72 * time.Hour
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 14 * 24 * time.Hour
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}
