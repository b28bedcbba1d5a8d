package orchestrator

import (
	"time"

	"executor/internal/config"
	"executor/pkg/backoff"
)

// Config holds configuration for the container orchestrator.
type Config struct {
	Retry         RetryPolicy
	EventSource   string        // CloudEvents source for lifecycle notifications
	PollBatchSize int           // executions polled per execution-poll run (default: 200)
	Concurrency   int           // parallel platform calls in batch operations (default: 8)
	PendingGrace  time.Duration // age before a PENDING execution is re-dispatched (default: 2m)
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Retry: RetryPolicy{
			MaxAttempts: config.GetIntEnv("PLATFORM_RETRY_ATTEMPTS", 3),
			Backoff: backoff.Config{
				Initial: config.GetDurationEnv("PLATFORM_RETRY_INITIAL", 500*time.Millisecond),
				Max:     config.GetDurationEnv("PLATFORM_RETRY_MAX", 5*time.Second),
				Jitter:  config.GetFloatEnv("PLATFORM_RETRY_JITTER", 0.2),
			},
			CallTimeout: config.GetDurationEnv("PLATFORM_CALL_TIMEOUT", 30*time.Second),
		},
		EventSource:   config.GetEnv("EVENT_SOURCE", "executor"),
		PollBatchSize: config.GetIntEnv("EXECUTION_POLL_BATCH_SIZE", 200),
		Concurrency:   config.GetIntEnv("PLATFORM_CONCURRENCY", 8),
		PendingGrace:  config.GetDurationEnv("PENDING_DISPATCH_GRACE", 2*time.Minute),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Retry = c.Retry.withDefaults()
	if c.EventSource == "" {
		c.EventSource = "executor"
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 2 * time.Minute
	}
	return c
}
