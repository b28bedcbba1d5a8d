// Package scheduler runs named periodic tasks in process and exposes the
// same tasks for one-off external triggering.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"executor/internal/apperrors"
	"executor/internal/observability"
)

// ErrBusy is returned by RunOnce when the task is already running.
var ErrBusy = errors.New("task is already running")

// Task is a named periodic job.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration // wait before the first scheduled run
	Timeout      time.Duration // per-run bound; zero means Interval
	Run          func(ctx context.Context) error
}

// TaskStatus reports the run history of a task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	Skipped   int64         `json:"skipped"`
	LastRunAt time.Time     `json:"lastRunAt,omitzero"`
	LastError string        `json:"lastError,omitempty"`
}

type entry struct {
	task Task
	busy atomic.Bool

	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu        sync.Mutex
	lastRunAt time.Time
	lastError string
}

// Scheduler runs registered tasks on their own tickers. Runs of the same
// task never overlap; a tick that finds the task busy is skipped.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry

	metrics *observability.Metrics
	logger  *slog.Logger

	started  atomic.Bool
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics enables metrics recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byName:   make(map[string]*entry),
		logger:   slog.With("component", "scheduler"),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. It fails for unnamed or duplicate tasks, tasks
// without a handler and non-positive intervals, and after Start.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return apperrors.Validation("name", "task name is required")
	}
	if t.Run == nil {
		return apperrors.Validation("run", fmt.Sprintf("task %q has no handler", t.Name))
	}
	if t.Interval <= 0 {
		return apperrors.Validation("interval", fmt.Sprintf("task %q interval must be positive", t.Name))
	}
	if t.Timeout <= 0 {
		t.Timeout = t.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return apperrors.Conflict("task", t.Name, "scheduler already started")
	}
	if _, dup := s.byName[t.Name]; dup {
		return apperrors.Conflict("task", t.Name, "already registered")
	}
	e := &entry{task: t}
	s.entries = append(s.entries, e)
	s.byName[t.Name] = e
	return nil
}

// Tasks returns the registered tasks in registration order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, len(s.entries))
	for i, e := range s.entries {
		tasks[i] = e.task
	}
	return tasks
}

// Status returns the run history of every task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := TaskStatus{
			Name:      e.task.Name,
			Interval:  e.task.Interval,
			Runs:      e.runs.Load(),
			Failures:  e.failures.Load(),
			Skipped:   e.skipped.Load(),
			LastRunAt: e.lastRunAt,
			LastError: e.lastError,
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Start launches one loop per task. Loops end when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Swap(true) {
		return errors.New("scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(len(s.entries))
	for _, e := range s.entries {
		go s.loop(ctx, e)
	}
	s.logger.Info("Scheduler started", "tasks", len(s.entries))
	return nil
}

// Stop ends the task loops and waits for in-flight runs. When ctx expires
// first, in-flight runs are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.shutdown) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		s.logger.Warn("Scheduler stop timed out, cancelling in-flight runs")
		return ctx.Err()
	}
}

// RunOnce runs the named task immediately. It is the trigger used by
// external schedulers and shares the no-overlap guard with the loops.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("task", name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.task.InitialDelay > 0 {
		timer := time.NewTimer(e.task.InitialDelay)
		select {
		case <-s.shutdown:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()

	for {
		if err := s.run(ctx, e); err != nil && !errors.Is(err, ErrBusy) {
			s.logger.Warn("Task run failed", "task", e.task.Name, "error", err)
		}

		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// run executes one bounded run of e unless it is already running.
// Panics are recovered and reported as errors.
func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordTaskSkipped(ctx, e.task.Name)
		}
		s.logger.Debug("Task still running, skipping", "task", e.task.Name)
		return ErrBusy
	}
	defer e.busy.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, e.task.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", e.task.Name, p)
		}

		e.runs.Add(1)
		if err != nil {
			e.failures.Add(1)
		}
		e.mu.Lock()
		e.lastRunAt = start
		e.lastError = ""
		if err != nil {
			e.lastError = err.Error()
		}
		e.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordTaskRun(ctx, e.task.Name, err == nil, time.Since(start).Seconds())
		}
	}()

	return e.task.Run(runCtx)
}
