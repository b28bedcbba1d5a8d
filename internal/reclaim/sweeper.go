// Package reclaim releases resources held by executions that are done, or
// that stopped reporting, on fixed retention schedules.
package reclaim

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"executor/internal/apperrors"
	"executor/internal/cluster"
	"executor/internal/execution"
	"executor/internal/observability"
	"executor/internal/orchestrator"
)

// Lifecycle is the orchestrator surface sweeps act through.
type Lifecycle interface {
	Terminate(ctx context.Context, exec *execution.Execution, reason string, intent orchestrator.Intent) (*execution.Execution, error)
	Release(ctx context.Context, exec *execution.Execution) (bool, error)
	RemoveOrphan(ctx context.Context, ref string) error
}

// Snapshotter provides the latest cluster snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context) (cluster.Result, error)
}

// Result summarizes one sweep run.
type Result struct {
	Scanned   int `json:"scanned"`
	Reclaimed int `json:"reclaimed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Sweeper runs the reclamation sweeps. Every sweep is idempotent: items
// already reclaimed no longer match its query, and items that changed
// state concurrently are skipped.
type Sweeper struct {
	registry  execution.Registry
	lifecycle Lifecycle
	snapshots Snapshotter
	config    Config
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMetrics enables metrics recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. snapshots may be nil, which disables the orphan sweep.
func New(registry execution.Registry, lifecycle Lifecycle, snapshots Snapshotter, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		lifecycle: lifecycle,
		snapshots: snapshots,
		config:    cfg.withDefaults(),
		now:       time.Now,
		logger:    slog.With("component", "reclaim"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepStaleRunning fails RUNNING executions whose last heartbeat (or
// start, when none was recorded) is older than the stale threshold.
func (s *Sweeper) SweepStaleRunning(ctx context.Context) (Result, error) {
	execs, err := s.registry.List(ctx, execution.Filter{
		States:          []execution.State{execution.StateRunning},
		HeartbeatBefore: s.now().Add(-s.config.StaleAfter),
		Limit:           s.config.BatchSize,
	})
	if err != nil {
		return Result{}, err
	}

	res := s.forEach(ctx, "stale-running", execs, func(ctx context.Context, exec *execution.Execution) (bool, error) {
		_, err := s.lifecycle.Terminate(ctx, exec, execution.ReasonStaleTimeout, orchestrator.IntentFail)
		return err == nil, err
	})
	return res, nil
}

// SweepFinished releases FINISHED executions past the finished retention.
func (s *Sweeper) SweepFinished(ctx context.Context) (Result, error) {
	return s.sweepTerminal(ctx, "finished-cleanup", execution.StateFinished, s.config.FinishedRetention)
}

// SweepFailed releases FAILED executions past the failed retention.
func (s *Sweeper) SweepFailed(ctx context.Context) (Result, error) {
	return s.sweepTerminal(ctx, "failed-cleanup", execution.StateFailed, s.config.FailedRetention)
}

func (s *Sweeper) sweepTerminal(ctx context.Context, sweep string, state execution.State, retention time.Duration) (Result, error) {
	execs, err := s.registry.List(ctx, execution.Filter{
		States:         []execution.State{state},
		FinishedBefore: s.now().Add(-retention),
		Unreleased:     true,
		Limit:          s.config.BatchSize,
	})
	if err != nil {
		return Result{}, err
	}

	return s.forEach(ctx, sweep, execs, s.lifecycle.Release), nil
}

// SweepOrphans removes containers that no live execution owns, once they
// are older than the orphan grace period. Orphans come from the cached
// cluster snapshot; a stale snapshot is acceptable because an orphan
// never becomes owned again.
func (s *Sweeper) SweepOrphans(ctx context.Context) (Result, error) {
	if s.snapshots == nil {
		return Result{}, nil
	}
	snap, err := s.snapshots.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}

	cutoff := s.now().Add(-s.config.OrphanGrace)
	var refs []string
	var res Result
	for _, o := range snap.Snapshot.Orphans {
		res.Scanned++
		if o.Task.CreatedAt.After(cutoff) {
			res.Skipped++
			continue
		}
		refs = append(refs, o.Task.Ref)
		if len(refs) == s.config.BatchSize {
			break
		}
	}

	var reclaimed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			if err := s.lifecycle.RemoveOrphan(gctx, ref); err != nil {
				failed.Add(1)
				s.logger.Warn("Orphan removal failed", "containerRef", ref, "error", err)
				return nil
			}
			reclaimed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Reclaimed = int(reclaimed.Load())
	res.Failed = int(failed.Load())
	s.record(ctx, "orphans", res)
	return res, nil
}

// forEach applies fn to each execution with bounded concurrency. An
// execution whose state moved on concurrently counts as skipped.
func (s *Sweeper) forEach(ctx context.Context, sweep string, execs []*execution.Execution, fn func(context.Context, *execution.Execution) (bool, error)) Result {
	var reclaimed, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, exec := range execs {
		g.Go(func() error {
			changed, err := fn(gctx, exec)
			switch {
			case errors.Is(err, apperrors.ErrInvalidTransition):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
				s.logger.Warn("Reclamation failed", "sweep", sweep, "executionId", exec.ID, "error", err)
			case changed:
				reclaimed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Scanned:   len(execs),
		Reclaimed: int(reclaimed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	s.record(ctx, sweep, res)
	return res
}

func (s *Sweeper) record(ctx context.Context, sweep string, res Result) {
	if res.Scanned > 0 {
		s.logger.Info("Sweep completed",
			"sweep", sweep,
			"scanned", res.Scanned,
			"reclaimed", res.Reclaimed,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(ctx, sweep, res.Reclaimed, res.Failed)
	}
}
