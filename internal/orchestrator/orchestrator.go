package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"executor/internal/apperrors"
	"executor/internal/dispatcher"
	"executor/internal/execution"
	"executor/internal/observability"
)

const (
	maxReasonLength      = 1024
	maxTerminateAttempts = 3
)

// Intent selects the terminal state Terminate records.
type Intent int

const (
	IntentCancel Intent = iota // record CANCELLED
	IntentFail                 // record FAILED with the given reason
)

func (i Intent) String() string {
	if i == IntentFail {
		return "fail"
	}
	return "cancel"
}

// Orchestrator drives executions through their container lifecycle.
// Every state change goes through the registry's guarded transition, so
// concurrent callers (completion reports, polls, sweeps, cancellations)
// settle on exactly one terminal state.
type Orchestrator struct {
	platform   Platform
	registry   execution.Registry
	config     Config
	retry      RetryPolicy
	inflight   *reservations
	dispatcher dispatcher.Dispatcher
	events     *execution.EventBuilder
	metrics    *observability.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDispatcher enables lifecycle callbacks.
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithMetrics enables metrics recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(platform Platform, registry execution.Registry, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		platform: platform,
		registry: registry,
		config:   cfg,
		inflight: newReservations(),
		events:   execution.NewEventBuilder(cfg.EventSource),
		now:      time.Now,
		logger:   slog.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.retry = cfg.Retry
	o.retry.OnRetry = func(op string, attempt int, err error) {
		o.logger.Debug("Retrying platform call", "op", op, "attempt", attempt, "error", err)
		if o.metrics != nil {
			o.metrics.RecordPlatformRetry(context.Background(), op)
		}
	}
	return o
}

// Ready checks the platform is reachable.
func (o *Orchestrator) Ready(ctx context.Context) error {
	return o.platform.Ready(ctx)
}

// Provision creates the container for a PENDING execution and records
// RUNNING. A platform failure records FAILED with a provisioning_error
// reason; after exhausted retries the reason also carries
// platform_unreachable. Provision itself is not retried here: a
// PENDING execution left behind is picked up by DispatchPending.
func (o *Orchestrator) Provision(ctx context.Context, exec *execution.Execution) (*execution.Execution, error) {
	if exec.State != execution.StatePending {
		return nil, apperrors.InvalidTransition("execution", exec.ID, string(exec.State), string(execution.StateRunning))
	}
	if err := o.inflight.reserve(exec.ID); err != nil {
		return nil, err
	}
	defer o.inflight.release(exec.ID)

	// exec may be stale: another process can provision or cancel it
	// between the caller's read and this reservation.
	latest, err := o.registry.Get(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if latest.State != execution.StatePending {
		return nil, apperrors.InvalidTransition("execution", exec.ID, string(latest.State), string(execution.StateRunning))
	}
	exec = latest

	logger := o.logger.With("executionId", exec.ID, "image", exec.Spec.Image)
	start := o.now()

	req := CreateRequest{
		ExecutionID: exec.ID,
		OwnerRef:    exec.OwnerRef,
		Name:        ContainerName(exec.ID),
		Spec:        exec.Spec,
	}
	var ref string
	err = o.retry.Do(ctx, "platform.create", func(ctx context.Context) error {
		r, err := o.platform.Create(ctx, req)
		if r != "" {
			ref = r
		}
		return err
	})

	if o.metrics != nil {
		o.metrics.RecordProvisioning(ctx, err == nil, o.now().Sub(start).Seconds())
	}

	if err != nil {
		// An empty ref means no node was ever asked to create anything.
		created := ref != ""
		if !created {
			ref = req.Name
		}
		reason := provisioningReason(err)
		logger.Warn("Provisioning failed", "containerRef", ref, "reason", reason)

		failed, terr := o.registry.Transition(ctx, exec.ID, execution.StateFailed, execution.TransitionMeta{
			From:          execution.StatePending,
			ContainerRef:  ref,
			FailureReason: reason,
		})
		if terr != nil {
			logger.Info("Provisioning failure not recorded", "error", terr)
			if created {
				o.discard(ctx, exec.ID, ref)
			}
			return nil, terr
		}
		// A partially created container must not outlive the attempt.
		if !created || o.removeQuietly(ctx, ref) {
			o.markReleased(ctx, failed)
		}
		o.finished(ctx, failed)
		return failed, apperrors.Provisioning("orchestrator.provision", err)
	}

	running, err := o.registry.Transition(ctx, exec.ID, execution.StateRunning, execution.TransitionMeta{
		From:         execution.StatePending,
		ContainerRef: ref,
	})
	if err != nil {
		logger.Info("Provisioned container not recorded", "containerRef", ref, "error", err)
		o.discard(ctx, exec.ID, ref)
		return nil, err
	}

	logger.Info("Execution started", "containerRef", ref)
	if o.metrics != nil {
		o.metrics.RecordExecutionStarted(ctx, running.Spec.Image)
	}
	o.notify(running)
	return running, nil
}

// Poll reads the runtime status of a RUNNING execution and records a
// heartbeat when the container is alive. Poll never changes state; a
// platform failure returns a poll error and the next poll tries again.
func (o *Orchestrator) Poll(ctx context.Context, exec *execution.Execution) (RuntimeStatus, error) {
	if exec.State != execution.StateRunning {
		return RuntimeStatus{}, apperrors.Conflict("execution", exec.ID, fmt.Sprintf("execution is %s, not RUNNING", exec.State))
	}

	var status RuntimeStatus
	err := o.retry.Do(ctx, "platform.inspect", func(ctx context.Context) error {
		s, err := o.platform.Inspect(ctx, exec.ContainerRef)
		status = s
		return err
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordPollError(ctx)
		}
		return RuntimeStatus{}, apperrors.Poll("orchestrator.poll", err)
	}

	if status.Alive() {
		if _, err := o.registry.Heartbeat(ctx, []string{exec.ID}, o.now()); err != nil {
			o.logger.Warn("Heartbeat not recorded", "executionId", exec.ID, "error", err)
		}
	}
	return status, nil
}

// Finalize records the outcome of a stopped container and removes it.
// Exit code 0 records FINISHED; anything else records FAILED with the
// reason. When another writer settled the execution first, the returned
// error is an invalid transition and nothing is changed.
func (o *Orchestrator) Finalize(ctx context.Context, exec *execution.Execution, status RuntimeStatus) (*execution.Execution, error) {
	if !status.Terminal() {
		return nil, apperrors.Validation("status", fmt.Sprintf("runtime status %s is not terminal", status.Phase))
	}

	target, meta := outcome(status)
	done, err := o.registry.Transition(ctx, exec.ID, target, meta)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			o.logger.Info("Finalize superseded", "executionId", exec.ID, "error", err)
		}
		return nil, err
	}

	o.logger.Info("Execution finalized", "executionId", exec.ID, "state", done.State, "reason", done.FailureReason)
	if status.Phase != PhaseMissing {
		if _, err := o.Release(ctx, done); err != nil {
			o.logger.Warn("Container release deferred to cleanup sweep", "executionId", exec.ID, "error", err)
		}
	} else {
		o.markReleased(ctx, done)
	}
	o.finished(ctx, done)
	return done, nil
}

// Terminate force-removes the container of a non-terminal execution and
// records CANCELLED or FAILED according to intent. When removal cannot be
// confirmed the execution is recorded FAILED with a platform_unreachable
// reason and left unreleased so cleanup sweeps retry the removal. If exec
// is stale and the execution has since moved to another live state, the
// termination is redone against the current record.
func (o *Orchestrator) Terminate(ctx context.Context, exec *execution.Execution, reason string, intent Intent) (*execution.Execution, error) {
	for attempt := 1; ; attempt++ {
		done, err := o.terminate(ctx, exec, reason, intent)
		if err == nil || !errors.Is(err, apperrors.ErrInvalidTransition) || attempt == maxTerminateAttempts {
			return done, err
		}
		latest, gerr := o.registry.Get(ctx, exec.ID)
		if gerr != nil || latest.State == exec.State || latest.State.IsTerminal() {
			return done, err
		}
		o.logger.Debug("Execution moved on, terminating current record",
			"executionId", exec.ID, "observed", exec.State, "current", latest.State)
		exec = latest
	}
}

func (o *Orchestrator) terminate(ctx context.Context, exec *execution.Execution, reason string, intent Intent) (*execution.Execution, error) {
	if exec.State.IsTerminal() {
		return nil, apperrors.InvalidTransition("execution", exec.ID, string(exec.State), terminalFor(intent))
	}
	if exec.State == execution.StatePending && intent == IntentFail {
		return nil, apperrors.Validation("intent", "a PENDING execution has no container and can only be cancelled")
	}

	logger := o.logger.With("executionId", exec.ID, "reason", reason, "intent", intent.String())
	ref := exec.ContainerRef

	if ref != "" {
		err := o.retry.Do(ctx, "platform.remove", func(ctx context.Context) error {
			return o.platform.Remove(ctx, ref)
		})
		if err != nil {
			logger.Warn("Container removal unconfirmed", "containerRef", ref, "error", err)
			failed, terr := o.registry.Transition(ctx, exec.ID, execution.StateFailed, execution.TransitionMeta{
				From:          exec.State,
				FailureReason: truncate(fmt.Sprintf("%s: %s: %v", reason, execution.ReasonPlatformUnreachable, err)),
			})
			if terr != nil {
				return nil, terr
			}
			o.finished(ctx, failed)
			return failed, apperrors.Unavailable("orchestrator.terminate", err)
		}
	}

	target := execution.StateCancelled
	meta := execution.TransitionMeta{From: exec.State}
	if intent == IntentFail {
		target = execution.StateFailed
		meta.FailureReason = truncate(reason)
	}

	done, err := o.registry.Transition(ctx, exec.ID, target, meta)
	if err != nil {
		if ref != "" {
			// RUNNING only leaves for a terminal state, and the winner's
			// container is gone either way.
			if _, rerr := o.registry.MarkReleased(ctx, exec.ID, o.now()); rerr != nil {
				logger.Warn("Release not recorded", "error", rerr)
			}
		}
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			logger.Info("Terminate superseded", "error", err)
		}
		return nil, err
	}

	if ref != "" {
		o.markReleased(ctx, done)
	}
	logger.Info("Execution terminated", "state", done.State)
	o.finished(ctx, done)
	return done, nil
}

// Cancel terminates an execution with cancel intent.
func (o *Orchestrator) Cancel(ctx context.Context, exec *execution.Execution) (*execution.Execution, error) {
	return o.Terminate(ctx, exec, execution.ReasonCancelled, IntentCancel)
}

// Reconcile polls a RUNNING execution and settles it: a stopped container
// is finalized, one past its timeout is terminated. A live container
// within its timeout leaves the execution unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, exec *execution.Execution) (*execution.Execution, error) {
	status, err := o.Poll(ctx, exec)
	if err != nil {
		return exec, err
	}
	if status.Terminal() {
		return o.Finalize(ctx, exec, status)
	}
	if deadline, ok := exec.Deadline(); ok && o.now().After(deadline) {
		return o.Terminate(ctx, exec, execution.ReasonTimeout, IntentFail)
	}
	return exec, nil
}

// Release removes the container of a terminal execution and records the
// release. It reports false when there was nothing left to release.
func (o *Orchestrator) Release(ctx context.Context, exec *execution.Execution) (bool, error) {
	if !exec.State.IsTerminal() {
		return false, apperrors.Validation("state", "only terminal executions can be released")
	}
	if exec.ReleasedAt != nil {
		return false, nil
	}

	if exec.ContainerRef != "" {
		err := o.retry.Do(ctx, "platform.remove", func(ctx context.Context) error {
			return o.platform.Remove(ctx, exec.ContainerRef)
		})
		if o.metrics != nil {
			o.metrics.RecordContainerRelease(ctx, err == nil)
		}
		if err != nil {
			return false, apperrors.Unavailable("orchestrator.release", err)
		}
	}
	return o.registry.MarkReleased(ctx, exec.ID, o.now())
}

// RemoveOrphan removes a managed container that no live execution owns.
func (o *Orchestrator) RemoveOrphan(ctx context.Context, ref string) error {
	err := o.retry.Do(ctx, "platform.remove", func(ctx context.Context) error {
		return o.platform.Remove(ctx, ref)
	})
	if err != nil {
		return apperrors.Unavailable("orchestrator.removeOrphan", err)
	}
	o.logger.Info("Orphan container removed", "containerRef", ref)
	return nil
}

// BatchResult summarizes a batch pass.
type BatchResult struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// PollRunning reconciles one batch of RUNNING executions. Per-item
// failures are logged and counted; only a registry failure aborts the pass.
func (o *Orchestrator) PollRunning(ctx context.Context) (BatchResult, error) {
	execs, err := o.registry.List(ctx, execution.Filter{
		States: []execution.State{execution.StateRunning},
		Limit:  o.config.PollBatchSize,
	})
	if err != nil {
		return BatchResult{}, err
	}

	return o.forEach(ctx, execs, func(ctx context.Context, exec *execution.Execution) (bool, error) {
		got, err := o.Reconcile(ctx, exec)
		if err != nil {
			return false, err
		}
		return got.State != execution.StateRunning, nil
	}), nil
}

// DispatchPending provisions PENDING executions older than the grace
// period, covering submissions whose provisioning never ran (for example
// after a restart).
func (o *Orchestrator) DispatchPending(ctx context.Context) (BatchResult, error) {
	execs, err := o.registry.List(ctx, execution.Filter{
		States:        []execution.State{execution.StatePending},
		CreatedBefore: o.now().Add(-o.config.PendingGrace),
		Limit:         o.config.PollBatchSize,
	})
	if err != nil {
		return BatchResult{}, err
	}

	return o.forEach(ctx, execs, func(ctx context.Context, exec *execution.Execution) (bool, error) {
		if o.inflight.has(exec.ID) {
			return false, nil
		}
		_, err := o.Provision(ctx, exec)
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			// Provisioned or cancelled elsewhere since the list was read.
			return false, nil
		}
		return err == nil, err
	}), nil
}

// forEach applies fn to every execution with bounded concurrency.
// fn reports whether it changed anything; false with no error is a skip.
func (o *Orchestrator) forEach(ctx context.Context, execs []*execution.Execution, fn func(context.Context, *execution.Execution) (bool, error)) BatchResult {
	var succeeded, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)
	for _, exec := range execs {
		g.Go(func() error {
			changed, err := fn(gctx, exec)
			switch {
			case err != nil:
				failed.Add(1)
				o.logger.Warn("Batch item failed", "executionId", exec.ID, "error", err)
			case changed:
				succeeded.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Scanned:   len(execs),
		Succeeded: int(succeeded.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
}

// InFlight returns the number of provisioning calls in progress.
func (o *Orchestrator) InFlight() int {
	return o.inflight.len()
}

// removeQuietly makes one removal attempt and reports whether it succeeded.
func (o *Orchestrator) removeQuietly(ctx context.Context, ref string) bool {
	if ref == "" {
		return true
	}
	if err := o.platform.Remove(ctx, ref); err != nil {
		o.logger.Warn("Container removal failed", "containerRef", ref, "error", err)
		return false
	}
	return true
}

// discard removes a container whose provisioning attempt lost its
// transition. A container the current record points at belongs to the
// writer that won and is kept; so is one whose owner cannot be read,
// leaving it to the orphan sweep.
func (o *Orchestrator) discard(ctx context.Context, id, ref string) {
	latest, err := o.registry.Get(ctx, id)
	if err != nil {
		o.logger.Warn("Keeping container of unreadable execution", "executionId", id, "containerRef", ref, "error", err)
		return
	}
	if latest.ContainerRef == ref {
		o.logger.Info("Container owned by current record", "executionId", id, "containerRef", ref, "state", latest.State)
		return
	}
	o.removeQuietly(ctx, ref)
}

func (o *Orchestrator) markReleased(ctx context.Context, exec *execution.Execution) {
	if _, err := o.registry.MarkReleased(ctx, exec.ID, o.now()); err != nil {
		o.logger.Warn("Release not recorded", "executionId", exec.ID, "error", err)
	}
}

// finished records metrics and sends the callback for a terminal execution.
func (o *Orchestrator) finished(ctx context.Context, exec *execution.Execution) {
	if o.metrics != nil {
		var seconds float64
		if exec.StartedAt != nil && exec.FinishedAt != nil {
			seconds = exec.FinishedAt.Sub(*exec.StartedAt).Seconds()
		}
		o.metrics.RecordExecutionTerminal(ctx, exec.Spec.Image, string(exec.State), exec.StartedAt != nil, seconds)
	}
	o.notify(exec)
}

// notify queues the lifecycle callback for the execution's current state.
func (o *Orchestrator) notify(exec *execution.Execution) {
	cb := exec.Spec.Callback
	if o.dispatcher == nil || cb == nil || cb.URL == "" {
		return
	}
	event, ok := o.events.Build(exec)
	if !ok || !execution.FilteredEvents(event.Type, cb.Events) {
		return
	}
	if err := o.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}); err != nil {
		o.logger.Warn("Callback not queued", "executionId", exec.ID, "type", event.Type, "error", err)
	}
}

// outcome maps a terminal runtime status onto the state and fields to record.
func outcome(status RuntimeStatus) (execution.State, execution.TransitionMeta) {
	code := status.ExitCode
	switch {
	case status.Phase == PhaseMissing:
		return execution.StateFailed, execution.TransitionMeta{FailureReason: execution.ReasonContainerLost}
	case status.OOMKilled:
		return execution.StateFailed, execution.TransitionMeta{FailureReason: execution.ReasonOOMKilled, ExitCode: &code}
	case status.Error != "":
		return execution.StateFailed, execution.TransitionMeta{
			FailureReason: truncate(fmt.Sprintf("%s: %s", execution.ReasonPlatformError, status.Error)),
			ExitCode:      &code,
		}
	case code == 0:
		return execution.StateFinished, execution.TransitionMeta{ExitCode: &code}
	default:
		return execution.StateFailed, execution.TransitionMeta{
			FailureReason: fmt.Sprintf("%s: %d", execution.ReasonExitCode, code),
			ExitCode:      &code,
		}
	}
}

func provisioningReason(err error) string {
	if errors.Is(err, ErrRetriesExhausted) {
		return truncate(fmt.Sprintf("%s: %s: %v", execution.ReasonProvisioningError, execution.ReasonPlatformUnreachable, err))
	}
	return truncate(fmt.Sprintf("%s: %v", execution.ReasonProvisioningError, err))
}

func terminalFor(intent Intent) string {
	if intent == IntentFail {
		return string(execution.StateFailed)
	}
	return string(execution.StateCancelled)
}

func truncate(s string) string {
	if len(s) <= maxReasonLength {
		return s
	}
	return s[:maxReasonLength]
}

var _ execution.Runner = (*Orchestrator)(nil)
