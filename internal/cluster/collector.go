// Package cluster maintains the cached cluster status snapshot: node
// capacity, container placement, per-node reservations and orphaned
// containers. Reads are served from the cache; the platform is only
// contacted by scheduled collections and bounded synchronous refreshes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"executor/internal/apperrors"
	"executor/internal/cache"
	"executor/internal/execution"
	"executor/internal/observability"
	"executor/internal/orchestrator"
	"executor/pkg/circuitbreaker"
)

// SnapshotKey is the cache key of the cluster snapshot.
const SnapshotKey = "cluster:snapshot"

const lookupChunk = 500

// Collector gathers cluster state and serves cached snapshots.
type Collector struct {
	inventory orchestrator.Inventory
	registry  execution.Registry
	cache     cache.Store
	config    Config
	limiter   *rate.Limiter
	flight    singleflight.Group
	breaker   *circuitbreaker.Breaker
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithMetrics enables metrics recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a collector storing snapshots in store.
func New(inventory orchestrator.Inventory, registry execution.Registry, store cache.Store, cfg Config, opts ...Option) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		inventory: inventory,
		registry:  registry,
		cache:     store,
		config:    cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.RefreshEvery), 1),
		now:       time.Now,
		logger:    slog.With("component", "cluster"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Breaker.Now == nil {
		cfg.Breaker.Now = c.now
	}
	c.breaker = circuitbreaker.New(cfg.Breaker)
	return c
}

// Interval returns the scheduled collection interval.
func (c *Collector) Interval() time.Duration {
	return c.config.Interval
}

// Collect reads the cluster in one batched pass, derives the snapshot,
// records heartbeats for live executions and stores the snapshot. Orphans
// are reported, never acted on.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	start := c.now()

	var nodes []orchestrator.Node
	var tasks []orchestrator.Task
	err := c.breaker.Execute(func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			nodes, err = c.inventory.Nodes(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			tasks, err = c.inventory.Tasks(gctx)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		c.recordCollection(ctx, false, start, nil)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, apperrors.Unavailable("cluster.collect", err)
		}
		return nil, apperrors.Unavailable("cluster.collect", fmt.Errorf("failed to read cluster: %w", err))
	}

	states, err := c.lookup(ctx, tasks)
	if err != nil {
		c.recordCollection(ctx, false, start, nil)
		return nil, err
	}

	at := c.now()
	snap := derive(nodes, tasks, states, at)

	var running []string
	for _, id := range snap.LiveExecutions() {
		if states[id] == execution.StateRunning {
			running = append(running, id)
		}
	}
	if len(running) > 0 {
		if _, err := c.registry.Heartbeat(ctx, running, at); err != nil {
			c.logger.Warn("Heartbeats not recorded", "count", len(running), "error", err)
		}
	}

	for _, o := range snap.Orphans {
		c.logger.Warn("Orphaned container",
			"containerRef", o.Task.Ref,
			"executionId", o.Task.ExecutionID,
			"reason", o.Reason,
			"state", o.State,
		)
	}

	if err := cache.SetJSON(ctx, c.cache, SnapshotKey, snap, c.config.TTL); err != nil {
		c.logger.Warn("Snapshot not cached", "error", err)
	}
	c.recordCollection(ctx, true, start, snap)
	c.logger.Debug("Cluster collected", "nodes", len(snap.Nodes), "tasks", len(snap.Tasks), "orphans", len(snap.Orphans))
	return snap, nil
}

// Snapshot returns the cached snapshot. When the cached value is missing
// or expired it attempts one synchronous refresh, shared between
// concurrent callers, spaced by a rate limit and bounded by a timeout. If
// that refresh fails the expired value is served flagged stale; with no
// value at all the error wraps cache.ErrMiss.
func (c *Collector) Snapshot(ctx context.Context) (Result, error) {
	var cached Snapshot
	entry, err := cache.GetJSON(ctx, c.cache, SnapshotKey, &cached)
	haveCached := err == nil
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("Unreadable cached snapshot", "error", err)
	}

	if haveCached && entry.Fresh(c.now()) {
		c.recordLookup(ctx, SourceHit)
		return c.result(&cached, SourceHit), nil
	}

	snap, err := c.refresh(ctx)
	if err == nil {
		c.recordLookup(ctx, SourceMiss)
		return c.result(snap, SourceMiss), nil
	}

	if haveCached {
		c.logger.Info("Serving stale cluster snapshot", "collectedAt", cached.CollectedAt, "error", err)
		c.recordLookup(ctx, SourceStale)
		return c.result(&cached, SourceStale), nil
	}
	c.recordLookup(ctx, SourceMiss)
	return Result{}, apperrors.Unavailable("cluster.snapshot", fmt.Errorf("%w: %w", cache.ErrMiss, err))
}

// Warm collects once so the first reads are served from cache.
func (c *Collector) Warm(ctx context.Context) error {
	if _, err := c.Collect(ctx); err != nil {
		c.logger.Warn("Cluster cache warm-up failed", "error", err)
		return err
	}
	return nil
}

// refresh runs a synchronous collection for a snapshot read.
func (c *Collector) refresh(ctx context.Context) (*Snapshot, error) {
	ch := c.flight.DoChan(SnapshotKey, func() (any, error) {
		if !c.limiter.AllowN(c.now(), 1) {
			return nil, errors.New("synchronous refresh rate exceeded")
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		return c.Collect(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// lookup resolves the registry state of every execution seen on tasks.
func (c *Collector) lookup(ctx context.Context, tasks []orchestrator.Task) (map[string]execution.State, error) {
	seen := make(map[string]bool, len(tasks))
	var ids []string
	for _, t := range tasks {
		if t.ExecutionID != "" && !seen[t.ExecutionID] {
			seen[t.ExecutionID] = true
			ids = append(ids, t.ExecutionID)
		}
	}

	states := make(map[string]execution.State, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]
		execs, err := c.registry.List(ctx, execution.Filter{IDs: chunk, Limit: len(chunk)})
		if err != nil {
			return nil, err
		}
		for _, e := range execs {
			states[e.ID] = e.State
		}
	}
	return states, nil
}

func (c *Collector) result(s *Snapshot, source Source) Result {
	return Result{
		Snapshot: s,
		Source:   source,
		Age:      c.now().Sub(s.CollectedAt).Seconds(),
	}
}

func (c *Collector) recordCollection(ctx context.Context, success bool, start time.Time, snap *Snapshot) {
	if c.metrics == nil {
		return
	}
	var nodes, tasks, orphans int
	if snap != nil {
		nodes, tasks, orphans = len(snap.Nodes), len(snap.Tasks), len(snap.Orphans)
	}
	c.metrics.RecordCollection(ctx, success, c.now().Sub(start).Seconds(), nodes, tasks, orphans)
}

func (c *Collector) recordLookup(ctx context.Context, source Source) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, "cluster", string(source))
	}
}
