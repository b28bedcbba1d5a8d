package cluster

import (
	"log/slog"
	"time"

	"executor/internal/config"
	"executor/pkg/circuitbreaker"
)

// Config holds configuration for the cluster status collector.
type Config struct {
	Interval       time.Duration // scheduled collection interval (default: 30s)
	TTL            time.Duration // snapshot freshness, longer than Interval (default: interval + 15s)
	RefreshTimeout time.Duration // bound on a synchronous refresh (default: 10s)
	RefreshEvery   time.Duration // minimum spacing of synchronous refreshes (default: 5s)
	Breaker        circuitbreaker.Config
}

// LoadConfigFromEnv loads collector configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Interval:       config.GetDurationEnv("STATUS_COLLECTION_INTERVAL", 30*time.Second),
		TTL:            config.GetDurationEnv("STATUS_CACHE_TTL", 0),
		RefreshTimeout: config.GetDurationEnv("STATUS_REFRESH_TIMEOUT", 10*time.Second),
		RefreshEvery:   config.GetDurationEnv("STATUS_REFRESH_RATE", 5*time.Second),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("STATUS_BREAKER_THRESHOLD", 3),
			Cooldown:  config.GetDurationEnv("STATUS_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	if cfg.TTL > 0 && cfg.TTL <= cfg.Interval {
		slog.Warn("STATUS_CACHE_TTL must exceed STATUS_COLLECTION_INTERVAL, using default",
			"ttl", cfg.TTL, "interval", cfg.Interval)
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	// A snapshot must stay fresh until the next collection lands.
	if c.TTL <= c.Interval {
		c.TTL = c.Interval + 15*time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 5 * time.Second
	}
	return c
}
