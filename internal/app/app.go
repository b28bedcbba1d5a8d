// Package app builds the executor object graph from configuration. Both the
// service and the operator CLI assemble their components through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"executor/internal/api"
	"executor/internal/cache"
	"executor/internal/cluster"
	"executor/internal/dispatcher"
	"executor/internal/execution"
	"executor/internal/health"
	"executor/internal/observability"
	"executor/internal/orchestrator"
	"executor/internal/orchestrator/docker"
	"executor/internal/reclaim"
	"executor/internal/registry"
	"executor/internal/scheduler"
	"executor/internal/stats"
)

// Platform is a container platform that can also enumerate its nodes and
// containers.
type Platform interface {
	orchestrator.Platform
	orchestrator.Inventory
}

// App holds the assembled components.
type App struct {
	Config       Config
	Metrics      *observability.Metrics
	Registry     *registry.Store
	Platform     Platform
	Dispatcher   *dispatcher.MemoryDispatcher
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Memory
	Collector    *cluster.Collector
	Refresher    *stats.Refresher
	Sweeper      *reclaim.Sweeper
	Scheduler    *scheduler.Scheduler
	Executions   *execution.Service
	Health       *health.Checker

	closers []func() error
}

// Open connects to the registry database and the Docker hosts, then
// assembles the application. Metrics may be nil.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics) (*App, error) {
	db, dialect, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := registry.Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return nil, err
		}
	}

	platform, err := docker.New(cfg.Docker)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("docker platform: %w", err)
	}

	a, err := New(cfg, registry.New(db, dialect), platform, metrics)
	if err != nil {
		platform.Close()
		db.Close()
		return nil, err
	}
	a.closers = append(a.closers, platform.Close, db.Close)
	return a, nil
}

// New wires the components around an existing registry and platform and
// registers the periodic tasks. Nothing is started.
func New(cfg Config, store *registry.Store, platform Platform, metrics *observability.Metrics) (*App, error) {
	cfg.Schedule = cfg.Schedule.withDefaults()

	a := &App{
		Config:   cfg,
		Metrics:  metrics,
		Registry: store,
		Platform: platform,
		Cache:    cache.NewMemory(),
	}

	// A nil *Metrics stored in the recorder interface would not compare
	// equal to nil inside the dispatcher.
	var recorder dispatcher.MetricsRecorder
	if metrics != nil {
		recorder = metrics
	}
	a.Dispatcher = dispatcher.NewMemory(cfg.Dispatcher, recorder)

	a.Orchestrator = orchestrator.New(platform, store, cfg.Orchestrator,
		orchestrator.WithDispatcher(a.Dispatcher),
		orchestrator.WithMetrics(metrics),
	)
	a.Collector = cluster.New(platform, store, a.Cache, cfg.Cluster, cluster.WithMetrics(metrics))

	refresher, err := stats.New(store, a.Cache, stats.DefaultDefinitions(cfg.Stats),
		stats.WithMetrics(metrics),
		stats.WithTopOwners(cfg.Stats.TopOwners),
	)
	if err != nil {
		a.Dispatcher.Close(context.Background())
		return nil, err
	}
	a.Refresher = refresher

	a.Sweeper = reclaim.New(store, a.Orchestrator, a.Collector, cfg.Reclaim, reclaim.WithMetrics(metrics))
	a.Executions = execution.NewService(store, a.Orchestrator, metrics, execution.ServiceConfig{
		ProvisionTimeout: cfg.ProvisionTimeout,
	})
	a.Health = health.NewChecker(
		health.WithCheck("platform", a.Orchestrator),
		health.WithCheck("registry", health.ProbeFunc(store.Ping)),
		health.WithOptionalCheck("dispatcher", health.ProbeFunc(a.dispatcherReady)),
	)

	a.Scheduler = scheduler.New(scheduler.WithMetrics(metrics))
	for _, t := range a.tasks() {
		if err := a.Scheduler.Register(t); err != nil {
			a.Dispatcher.Close(context.Background())
			return nil, err
		}
	}
	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	var apiKey string
	if a.Config.Service != nil {
		apiKey = a.Config.Service.APIKey
	}
	return api.NewRouter(api.RouterConfig{
		Executions:    a.Executions,
		Cluster:       a.Collector,
		Stats:         a.Refresher,
		Metrics:       a.Metrics,
		HealthChecker: a.Health,
		APIKey:        apiKey,
	})
}

// dispatcherReady reports a callback backlog; delivery stays best-effort.
func (a *App) dispatcherReady(context.Context) error {
	s := a.Dispatcher.Stats()
	if s.BreakersOpen > 0 && s.BreakersOpen == s.BreakersTotal {
		return fmt.Errorf("all %d callback destinations are failing: %s", s.BreakersOpen, strings.Join(s.OpenDestinations, ", "))
	}
	return nil
}

// Close waits for background provisioning, drains the dispatcher and
// closes the platform and database connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Executions.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("provisioning: %w", err))
	}
	if err := a.Dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	s := a.Dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", s.Delivered,
		"failed", s.Failed,
		"dropped", s.Dropped,
	)

	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
