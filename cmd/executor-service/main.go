// executor-service is the HTTP API server that runs container executions
// and the periodic orchestration tasks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"executor/internal/app"
	"executor/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	svcCfg := cfg.Service
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	a, err := app.Open(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	slog.Info("Connected to Docker hosts", "hosts", len(cfg.Docker.Hosts))

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Serve the first cluster reads from cache
	warmCtx, warmCancel := context.WithTimeout(ctx, cfg.Cluster.RefreshTimeout)
	_ = a.Collector.Warm(warmCtx)
	warmCancel()

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	if svcCfg.SchedulerEnabled {
		if err := a.Scheduler.Start(schedCtx); err != nil {
			return err
		}
	} else {
		slog.Info("In-process scheduler disabled; tasks must be triggered externally")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// closeApp stops the scheduler and releases every component
	closeApp := func(timeout time.Duration) {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := a.Scheduler.Stop(closeCtx); err != nil {
			slog.Warn("Scheduler shutdown error", "error", err)
		}
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("Shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		closeApp(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	a.Health.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop periodic tasks, wait for provisioning, drain callbacks
	slog.Info("Stopping scheduler and draining callback dispatcher")
	closeApp(20 * time.Second)

	// Containers keep running; the next instance picks them up through the registry.
	slog.Info("Shutdown complete")
	return nil
}
