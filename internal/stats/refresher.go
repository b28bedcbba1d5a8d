// Package stats precomputes aggregate statistics over the execution
// registry and keeps them warm in the cache ahead of expiry.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"executor/internal/apperrors"
	"executor/internal/cache"
	"executor/internal/execution"
	"executor/internal/observability"
	"executor/internal/registry"
)

// Source is the aggregate query surface statistics are computed from.
type Source interface {
	CountByState(ctx context.Context, since time.Time) (map[execution.State]int64, error)
	CountByDay(ctx context.Context, since time.Time) ([]registry.DayCount, error)
	Durations(ctx context.Context, since time.Time) (registry.DurationSummary, error)
	TopOwners(ctx context.Context, since time.Time, limit int) ([]registry.OwnerCount, error)
}

// FailureRate is the share of finished runs that failed. Cancelled
// executions are excluded.
type FailureRate struct {
	Finished int64   `json:"finished"`
	Failed   int64   `json:"failed"`
	Rate     float64 `json:"rate"`
}

// Value is a computed statistic as stored in the cache.
type Value struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	ComputedAt time.Time       `json:"computedAt"`
	Stale      bool            `json:"stale"`
}

// Summary reports the outcome of a refresh run.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Group is a set of definitions refreshed together.
type Group struct {
	Name     string
	Interval time.Duration
}

// Refresher recomputes statistic definitions into the cache. It is the only
// writer of statistic cache keys.
type Refresher struct {
	source    Source
	cache     cache.Store
	defs      []Definition
	byKey     map[string]Definition
	topOwners int
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithMetrics enables metrics recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// WithTopOwners sets the number of entries in top_owners statistics.
func WithTopOwners(n int) Option {
	return func(r *Refresher) { r.topOwners = n }
}

// New validates defs and creates a refresher. Definitions whose refresh
// interval is not strictly shorter than their TTL are rejected.
func New(source Source, store cache.Store, defs []Definition, opts ...Option) (*Refresher, error) {
	r := &Refresher{
		source:    source,
		cache:     store,
		byKey:     make(map[string]Definition, len(defs)),
		topOwners: 10,
		now:       time.Now,
		logger:    slog.With("component", "stats"),
	}
	for _, opt := range opts {
		opt(r)
	}

	groupInterval := make(map[string]time.Duration)
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, apperrors.Validation("definitions", err.Error())
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, apperrors.Validation("definitions", fmt.Sprintf("duplicate statistic %q", d.Key))
		}
		if iv, ok := groupInterval[d.Group]; ok && iv != d.Interval {
			return nil, apperrors.Validation("definitions", fmt.Sprintf("group %q mixes refresh intervals", d.Group))
		}
		groupInterval[d.Group] = d.Interval
		r.byKey[d.Key] = d
		r.defs = append(r.defs, d)
	}
	return r, nil
}

// Definitions returns the configured statistics.
func (r *Refresher) Definitions() []Definition {
	return slices.Clone(r.defs)
}

// Groups returns the refresh groups in definition order.
func (r *Refresher) Groups() []Group {
	var groups []Group
	seen := make(map[string]bool)
	for _, d := range r.defs {
		if !seen[d.Group] {
			seen[d.Group] = true
			groups = append(groups, Group{Name: d.Group, Interval: d.Interval})
		}
	}
	return groups
}

// RefreshAll recomputes every definition.
func (r *Refresher) RefreshAll(ctx context.Context) Summary {
	return r.refresh(ctx, r.defs)
}

// RefreshGroup recomputes the definitions of one group.
func (r *Refresher) RefreshGroup(ctx context.Context, group string) (Summary, error) {
	var defs []Definition
	for _, d := range r.defs {
		if d.Group == group {
			defs = append(defs, d)
		}
	}
	if len(defs) == 0 {
		return Summary{}, apperrors.NotFound("statistic group", group)
	}
	return r.refresh(ctx, defs), nil
}

// Get returns the cached value of key. A statistic never computed, or
// evicted, is reported absent with a nil error; expired values are
// returned flagged stale.
func (r *Refresher) Get(ctx context.Context, key string) (*Value, bool, error) {
	if _, ok := r.byKey[key]; !ok {
		return nil, false, apperrors.NotFound("statistic", key)
	}

	var v Value
	entry, err := cache.GetJSON(ctx, r.cache, cacheKey(key), &v)
	switch {
	case errors.Is(err, cache.ErrMiss):
		r.recordLookup(ctx, "miss")
		return nil, false, nil
	case err != nil:
		return nil, false, apperrors.Internal("stats.get", err)
	}

	v.Stale = !entry.Fresh(r.now())
	if v.Stale {
		r.recordLookup(ctx, "stale")
	} else {
		r.recordLookup(ctx, "hit")
	}
	return &v, true, nil
}

// refresh computes each definition independently. A failing or panicking
// definition is logged and counted and does not stop the others.
func (r *Refresher) refresh(ctx context.Context, defs []Definition) Summary {
	sum := Summary{Total: len(defs)}
	for _, d := range defs {
		if ctx.Err() != nil {
			sum.Failed += len(defs) - sum.Successful - sum.Failed
			break
		}

		start := r.now()
		err := r.refreshOne(ctx, d)
		if r.metrics != nil {
			r.metrics.RecordStatsRefresh(ctx, d.Group, err == nil, r.now().Sub(start).Seconds())
		}
		if err != nil {
			sum.Failed++
			r.logger.Warn("Statistic refresh failed", "key", d.Key, "group", d.Group, "error", err)
			continue
		}
		sum.Successful++
	}

	r.logger.Debug("Statistics refreshed", "total", sum.Total, "successful", sum.Successful, "failed", sum.Failed)
	return sum
}

func (r *Refresher) refreshOne(ctx context.Context, d Definition) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic computing %s: %v", d.Key, p)
		}
	}()

	at := r.now()
	data, err := r.compute(ctx, d, at.Add(-d.Window.Duration()))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", d.Key, err)
	}
	return cache.SetJSON(ctx, r.cache, cacheKey(d.Key), Value{Key: d.Key, Data: raw, ComputedAt: at}, d.TTL)
}

func (r *Refresher) compute(ctx context.Context, d Definition, since time.Time) (any, error) {
	switch d.Kind {
	case KindExecutionsPerDay:
		return r.source.CountByDay(ctx, since)
	case KindExecutionsByState:
		return r.source.CountByState(ctx, since)
	case KindFailureRate:
		counts, err := r.source.CountByState(ctx, since)
		if err != nil {
			return nil, err
		}
		fr := FailureRate{
			Finished: counts[execution.StateFinished] + counts[execution.StateFailed],
			Failed:   counts[execution.StateFailed],
		}
		if fr.Finished > 0 {
			fr.Rate = float64(fr.Failed) / float64(fr.Finished)
		}
		return fr, nil
	case KindDurationSummary:
		return r.source.Durations(ctx, since)
	case KindTopOwners:
		return r.source.TopOwners(ctx, since, r.topOwners)
	default:
		return nil, fmt.Errorf("unknown statistic kind %q", d.Kind)
	}
}

func (r *Refresher) recordLookup(ctx context.Context, result string) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(ctx, "stats", result)
	}
}

func cacheKey(key string) string {
	return "stats:" + key
}
