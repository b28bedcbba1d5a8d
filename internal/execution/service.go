package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"executor/internal/apperrors"
	"executor/internal/observability"
)

// ServiceConfig controls the boundary service.
type ServiceConfig struct {
	ProvisionTimeout time.Duration // bound on the asynchronous provisioning call
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 5 * time.Minute
	}
	return c
}

// Service is the boundary consumed by request-handling collaborators:
// submission, query, cancellation and completion reports.
//
// The registry is the source of truth. Service keeps no execution state
// beyond the provisioning goroutines it has started.
type Service struct {
	registry Registry
	runner   Runner
	metrics  *observability.Metrics
	config   ServiceConfig
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewService creates a new execution service.
func NewService(registry Registry, runner Runner, metrics *observability.Metrics, cfg ServiceConfig) *Service {
	return &Service{
		registry: registry,
		runner:   runner,
		metrics:  metrics,
		config:   cfg.withDefaults(),
		logger:   slog.With("component", "execution"),
	}
}

// Create validates a submission, records it as PENDING and starts
// provisioning in the background. The returned execution is PENDING.
// Note: This method applies defaults to the spec before validation.
func (s *Service) Create(ctx context.Context, ownerRef string, spec Spec) (*Execution, error) {
	ApplyDefaults(&spec)
	if err := Validate(ownerRef, &spec); err != nil {
		return nil, err
	}

	exec, err := s.registry.Create(ctx, ownerRef, spec)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordExecutionCreated(ctx, spec.Image)
	}

	s.logger.Info("Execution created", "executionId", exec.ID, "ownerRef", ownerRef, "image", spec.Image)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProvisionTimeout)
		defer cancel()
		// Failures are recorded on the execution itself; a PENDING leftover
		// is picked up by the pending-dispatch task.
		if _, err := s.runner.Provision(pctx, exec); err != nil {
			s.logger.Warn("Provisioning did not complete", "executionId", exec.ID, "error", err)
		}
	}()

	return exec, nil
}

// Get returns an execution by id.
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	return s.registry.Get(ctx, id)
}

// List returns executions matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	return s.registry.List(ctx, filter)
}

// Cancel terminates an execution on behalf of requester.
// Cancelling a terminal execution returns an invalid transition error.
func (s *Service) Cancel(ctx context.Context, id, requester string) (*Execution, error) {
	logger := s.logger.With("executionId", id, "requester", requester)

	exec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State.IsTerminal() {
		return nil, apperrors.InvalidTransition("execution", id, string(exec.State), string(StateCancelled))
	}

	exec, err = s.runner.Cancel(ctx, exec)
	if err != nil {
		logger.Warn("Execution cancellation failed", "error", err)
		return nil, err
	}
	logger.Info("Execution cancellation processed", "state", exec.State)
	return exec, nil
}

// ReportExit handles a completion report from the container side: the
// execution is polled immediately instead of waiting for the next
// scheduled poll. Reports for terminal executions are acknowledged
// without change.
func (s *Service) ReportExit(ctx context.Context, id string) (*Execution, error) {
	exec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch exec.State {
	case StateRunning:
		return s.runner.Reconcile(ctx, exec)
	case StatePending:
		return nil, apperrors.InvalidTransition("execution", id, string(exec.State), "exit report")
	default:
		return exec, nil
	}
}

// Wait blocks until background provisioning started by Create has
// returned or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
