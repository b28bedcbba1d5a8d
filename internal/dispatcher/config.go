package dispatcher

import (
	"time"

	"executor/internal/config"
	"executor/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize       int            // pending events buffer (default: 1000)
	Workers          int            // concurrent delivery goroutines (default: 4)
	HTTPTimeout      time.Duration  // per-request timeout (default: 10s)
	MaxRetries       int            // retries after the first attempt (default: 3)
	Backoff          backoff.Config // delay between retries
	BreakerThreshold int            // consecutive failures that open a destination's circuit (default: 5)
	BreakerCooldown  time.Duration  // open circuit duration, also the requeue delay (default: 30s)
	MaxRequeues      int            // requeues before an event is dropped (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("DISPATCHER_BACKOFF_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("DISPATCHER_BACKOFF_MAX", 5*time.Second),
			Jitter:  config.GetFloatEnv("DISPATCHER_BACKOFF_JITTER", 0.2),
		},
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("DISPATCHER_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
