package app

import (
	"fmt"
	"time"

	"executor/internal/cluster"
	"executor/internal/config"
	"executor/internal/dispatcher"
	"executor/internal/orchestrator"
	"executor/internal/orchestrator/docker"
	"executor/internal/reclaim"
	"executor/internal/registry"
	"executor/internal/stats"
)

// Schedule holds the intervals of the periodic tasks that are not owned by
// a component config.
type Schedule struct {
	ExecutionPoll   time.Duration // default: 30s
	PendingDispatch time.Duration // default: 1m
	StaleSweep      time.Duration // default: 1h
	CleanupSweep    time.Duration // finished and failed cleanup, default: 24h
	OrphanSweep     time.Duration // default: 1h
}

func (s Schedule) withDefaults() Schedule {
	if s.ExecutionPoll <= 0 {
		s.ExecutionPoll = 30 * time.Second
	}
	if s.PendingDispatch <= 0 {
		s.PendingDispatch = time.Minute
	}
	if s.StaleSweep <= 0 {
		s.StaleSweep = time.Hour
	}
	if s.CleanupSweep <= 0 {
		s.CleanupSweep = 24 * time.Hour
	}
	if s.OrphanSweep <= 0 {
		s.OrphanSweep = time.Hour
	}
	return s
}

// Config is the configuration of every component of the executor.
type Config struct {
	Service          *config.ServiceConfig
	Registry         registry.Config
	AutoMigrate      bool // apply migrations when the registry is opened
	Docker           docker.Config
	Orchestrator     orchestrator.Config
	Dispatcher       dispatcher.MemoryConfig
	Cluster          cluster.Config
	Stats            stats.Config
	Reclaim          reclaim.Config
	Schedule         Schedule
	ProvisionTimeout time.Duration
}

// LoadConfigFromEnv loads the full configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	dockerCfg, err := docker.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("docker config: %w", err)
	}

	return Config{
		Service:      config.LoadServiceConfig(),
		Registry:     registry.LoadConfigFromEnv(),
		AutoMigrate:  config.GetBoolEnv("DATABASE_AUTO_MIGRATE", true),
		Docker:       dockerCfg,
		Orchestrator: orchestrator.LoadConfigFromEnv(),
		Dispatcher:   dispatcher.LoadConfigFromEnv(),
		Cluster:      cluster.LoadConfigFromEnv(),
		Stats:        stats.LoadConfigFromEnv(),
		Reclaim:      reclaim.LoadConfigFromEnv(),
		Schedule: Schedule{
			ExecutionPoll:   config.GetDurationEnv("EXECUTION_POLL_INTERVAL", 30*time.Second),
			PendingDispatch: config.GetDurationEnv("PENDING_DISPATCH_INTERVAL", time.Minute),
			StaleSweep:      config.GetDurationEnv("STALE_SWEEP_INTERVAL", time.Hour),
			CleanupSweep:    config.GetDurationEnv("CLEANUP_SWEEP_INTERVAL", 24*time.Hour),
			OrphanSweep:     config.GetDurationEnv("ORPHAN_SWEEP_INTERVAL", time.Hour),
		}.withDefaults(),
		ProvisionTimeout: config.GetDurationEnv("PROVISION_TIMEOUT", 5*time.Minute),
	}, nil
}
