package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"executor/internal/orchestrator"
	"executor/internal/reclaim"
	"executor/internal/scheduler"
)

// Task names, also accepted by executorctl task run.
const (
	TaskStatusCollection = "status-collection"
	TaskExecutionPoll    = "execution-poll"
	TaskPendingDispatch  = "pending-dispatch"
	TaskStaleSweep       = "stale-running-sweep"
	TaskFinishedSweep    = "finished-cleanup-sweep"
	TaskFailedSweep      = "failed-cleanup-sweep"
	TaskOrphanSweep      = "orphan-sweep"
	taskStatsPrefix      = "stats-refresh:"
)

// StatsTask returns the task name refreshing a statistics group.
func StatsTask(group string) string {
	return taskStatsPrefix + group
}

func (a *App) tasks() []scheduler.Task {
	s := a.Config.Schedule
	logger := slog.With("component", "tasks")

	tasks := []scheduler.Task{
		{
			Name:     TaskStatusCollection,
			Interval: a.Collector.Interval(),
			Run: func(ctx context.Context) error {
				_, err := a.Collector.Collect(ctx)
				return err
			},
		},
		{
			Name:         TaskExecutionPoll,
			Interval:     s.ExecutionPoll,
			InitialDelay: s.ExecutionPoll / 2,
			Run:          batch(logger, TaskExecutionPoll, a.Orchestrator.PollRunning),
		},
		{
			Name:     TaskPendingDispatch,
			Interval: s.PendingDispatch,
			Run:      batch(logger, TaskPendingDispatch, a.Orchestrator.DispatchPending),
		},
		{
			Name:     TaskStaleSweep,
			Interval: s.StaleSweep,
			Run:      sweep(a.Sweeper.SweepStaleRunning),
		},
		{
			Name:         TaskFinishedSweep,
			Interval:     s.CleanupSweep,
			InitialDelay: 5 * time.Minute,
			Run:          sweep(a.Sweeper.SweepFinished),
		},
		{
			Name:         TaskFailedSweep,
			Interval:     s.CleanupSweep,
			InitialDelay: 10 * time.Minute,
			Run:          sweep(a.Sweeper.SweepFailed),
		},
		{
			Name:         TaskOrphanSweep,
			Interval:     s.OrphanSweep,
			InitialDelay: s.OrphanSweep / 2,
			Run:          sweep(a.Sweeper.SweepOrphans),
		},
	}

	for _, g := range a.Refresher.Groups() {
		tasks = append(tasks, scheduler.Task{
			Name:     StatsTask(g.Name),
			Interval: g.Interval,
			Run: func(ctx context.Context) error {
				sum, err := a.Refresher.RefreshGroup(ctx, g.Name)
				if err != nil {
					return err
				}
				if sum.Failed > 0 {
					return fmt.Errorf("%d of %d statistics failed to refresh", sum.Failed, sum.Total)
				}
				return nil
			},
		})
	}
	return tasks
}

func batch(logger *slog.Logger, name string, fn func(context.Context) (orchestrator.BatchResult, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		if res.Scanned > 0 {
			logger.Info("Batch completed", "task", name,
				"scanned", res.Scanned,
				"succeeded", res.Succeeded,
				"skipped", res.Skipped,
				"failed", res.Failed,
			)
		}
		return nil
	}
}

// sweep adapts a reclamation sweep; the sweeper logs its own results.
func sweep(fn func(context.Context) (reclaim.Result, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
