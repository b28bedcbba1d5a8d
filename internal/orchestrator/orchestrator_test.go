package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"executor/internal/apperrors"
	"executor/internal/execution"
	"executor/internal/orchestrator"
	"executor/internal/orchestrator/orchestratortest"
	"executor/internal/registry"
	"executor/internal/registry/registrytest"
	"executor/internal/testutil"
	"executor/pkg/backoff"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	config   orchestrator.Config
	orch     *orchestrator.Orchestrator
	platform *orchestratortest.Platform
	registry *registry.Store
	clock    *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(epoch)
	reg := registrytest.New(t, registry.WithClock(clock.Now))
	platform := orchestratortest.New(2)
	cfg := orchestrator.Config{
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
			CallTimeout: time.Second,
		},
	}
	return &fixture{
		config:   cfg,
		orch:     orchestrator.New(platform, reg, cfg, orchestrator.WithClock(clock.Now)),
		platform: platform,
		registry: reg,
		clock:    clock,
	}
}

// peer returns a second orchestrator sharing the registry and platform,
// as another process would.
func (f *fixture) peer() *orchestrator.Orchestrator {
	return orchestrator.New(f.platform, f.registry, f.config, orchestrator.WithClock(f.clock.Now))
}

func (f *fixture) create(t *testing.T) *execution.Execution {
	t.Helper()
	exec, err := f.registry.Create(context.Background(), "user-1", execution.Spec{
		Image: "alpine", CPU: 1, Memory: 128, TimeoutSeconds: 600,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return exec
}

func (f *fixture) running(t *testing.T) *execution.Execution {
	t.Helper()
	exec, err := f.orch.Provision(context.Background(), f.create(t))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return exec
}

func (f *fixture) get(t *testing.T, id string) *execution.Execution {
	t.Helper()
	exec, err := f.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return exec
}

func TestProvision_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.create(t)
	got, err := f.orch.Provision(context.Background(), exec)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if got.State != execution.StateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}
	if got.ContainerRef != "node-0/exec-"+exec.ID {
		t.Errorf("unexpected container ref %q", got.ContainerRef)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(epoch) {
		t.Errorf("expected started_at %v, got %v", epoch, got.StartedAt)
	}
	if !f.platform.Has(got.ContainerRef) {
		t.Error("expected container to exist")
	}
	if f.orch.InFlight() != 0 {
		t.Error("reservation must be released")
	}
}

func TestProvision_RequiresPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	_, err := f.orch.Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if f.platform.Creates.Load() != 1 {
		t.Errorf("expected a single create, got %d", f.platform.Creates.Load())
	}
}

func TestProvision_RejectionFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.platform.CreateErr = func(orchestrator.CreateRequest) error {
		return orchestrator.Rejected(errors.New("no such image"))
	}

	exec := f.create(t)
	got, err := f.orch.Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if got.State != execution.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if !strings.HasPrefix(got.FailureReason, "provisioning_error: ") {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	if strings.Contains(got.FailureReason, "platform_unreachable") {
		t.Errorf("rejection must not read as unreachable: %q", got.FailureReason)
	}
	if got.ContainerRef == "" {
		t.Error("attempted container must be recorded")
	}
	if f.platform.Creates.Load() != 1 {
		t.Errorf("expected 1 create attempt, got %d", f.platform.Creates.Load())
	}
}

func TestProvision_ExhaustedRetriesAreDistinguishable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.platform.CreateErr = func(orchestrator.CreateRequest) error {
		return orchestrator.Transient(errors.New("daemon timeout"))
	}

	got, _ := f.orch.Provision(context.Background(), f.create(t))
	if got == nil || got.State != execution.StateFailed {
		t.Fatalf("expected FAILED, got %+v", got)
	}
	if !strings.HasPrefix(got.FailureReason, "provisioning_error: platform_unreachable: ") {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	if f.platform.Creates.Load() != 3 {
		t.Errorf("expected 3 create attempts, got %d", f.platform.Creates.Load())
	}
}

func TestProvision_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var calls int
	f.platform.CreateErr = func(orchestrator.CreateRequest) error {
		calls++
		if calls == 1 {
			return orchestrator.Transient(errors.New("daemon timeout"))
		}
		return nil
	}

	got, err := f.orch.Provision(context.Background(), f.create(t))
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if got.State != execution.StateRunning {
		t.Errorf("expected RUNNING, got %s", got.State)
	}
}

func TestProvision_CancelledWhileProvisioningRemovesContainer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.create(t)

	f.platform.CreateErr = func(orchestrator.CreateRequest) error {
		// The user cancels while the platform is still creating.
		if _, err := f.registry.Transition(context.Background(), exec.ID, execution.StateCancelled, execution.TransitionMeta{}); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return nil
	}

	_, err := f.orch.Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected lost transition, got %v", err)
	}
	if f.platform.Count() != 0 {
		t.Error("container of a cancelled execution must be removed")
	}
	got := f.get(t, exec.ID)
	if got.State != execution.StateCancelled || got.ContainerRef != "" {
		t.Errorf("expected CANCELLED without container, got %s %q", got.State, got.ContainerRef)
	}
}

func TestProvision_StaleRecordIsNotProvisionedAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.create(t)

	running, err := f.orch.Provision(context.Background(), exec)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	// exec is the PENDING record read before the first provisioning.
	_, err = f.peer().Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if f.platform.Creates.Load() != 1 {
		t.Errorf("expected a single create, got %d", f.platform.Creates.Load())
	}
	got := f.get(t, exec.ID)
	if got.State != execution.StateRunning || got.ContainerRef != running.ContainerRef {
		t.Errorf("expected RUNNING on %q, got %s %q", running.ContainerRef, got.State, got.ContainerRef)
	}
	if !f.platform.Has(running.ContainerRef) {
		t.Error("running container must survive")
	}
}

func TestProvision_LosingRaceKeepsWinningContainer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	peer := f.peer()
	exec := f.create(t)

	var raced atomic.Bool
	f.platform.CreateErr = func(orchestrator.CreateRequest) error {
		if raced.CompareAndSwap(false, true) {
			// Another process provisions the same execution while this
			// create is in flight; the platform reuses its container.
			if _, err := peer.Provision(context.Background(), exec); err != nil {
				t.Errorf("peer provision: %v", err)
			}
		}
		return nil
	}

	_, err := f.orch.Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected lost transition, got %v", err)
	}
	got := f.get(t, exec.ID)
	if got.State != execution.StateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}
	if !f.platform.Has(got.ContainerRef) {
		t.Error("container of the RUNNING record must not be removed")
	}
	if f.platform.Removes.Load() != 0 {
		t.Errorf("expected no removals, got %d", f.platform.Removes.Load())
	}
}

func TestProvision_NoPlacementIsReleasedAtOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.platform.PlaceErr = func() error {
		return orchestrator.Rejected(errors.New("no reachable node"))
	}

	exec := f.create(t)
	got, err := f.orch.Provision(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if got.State != execution.StateFailed || got.ContainerRef != orchestrator.ContainerName(exec.ID) {
		t.Errorf("expected FAILED with attempted name, got %s %q", got.State, got.ContainerRef)
	}
	if f.platform.Removes.Load() != 0 {
		t.Errorf("nothing was created, got %d removals", f.platform.Removes.Load())
	}

	stored := f.get(t, exec.ID)
	if stored.ReleasedAt == nil {
		t.Fatal("execution without a container must be released")
	}
	released, err := f.orch.Release(context.Background(), stored)
	if err != nil || released {
		t.Errorf("cleanup must skip it, got %v %v", released, err)
	}
}

func TestPoll_AliveRecordsHeartbeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	f.clock.Advance(time.Minute)
	status, err := f.orch.Poll(context.Background(), exec)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !status.Alive() {
		t.Errorf("expected alive, got %s", status.Phase)
	}
	got := f.get(t, exec.ID)
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("expected heartbeat at %v, got %v", epoch.Add(time.Minute), got.LastHeartbeatAt)
	}
}

func TestPoll_ErrorDoesNotChangeState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)
	f.platform.InspectErr = func(string) error {
		return orchestrator.Transient(errors.New("daemon timeout"))
	}

	_, err := f.orch.Poll(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrPoll) {
		t.Fatalf("expected poll error, got %v", err)
	}
	got := f.get(t, exec.ID)
	if got.State != execution.StateRunning || got.LastHeartbeatAt != nil {
		t.Errorf("poll failure must not mutate: %s %v", got.State, got.LastHeartbeatAt)
	}

	// Reconcile surfaces the poll error and leaves the execution alone.
	same, err := f.orch.Reconcile(context.Background(), exec)
	if !errors.Is(err, apperrors.ErrPoll) || same.State != execution.StateRunning {
		t.Errorf("unexpected reconcile result %v %v", same.State, err)
	}
}

func TestFinalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status orchestrator.RuntimeStatus
		state  execution.State
		reason string
	}{
		{"exit zero", orchestrator.RuntimeStatus{Phase: orchestrator.PhaseExited}, execution.StateFinished, ""},
		{"exit non-zero", orchestrator.RuntimeStatus{Phase: orchestrator.PhaseExited, ExitCode: 3}, execution.StateFailed, "exit_code: 3"},
		{"oom", orchestrator.RuntimeStatus{Phase: orchestrator.PhaseExited, ExitCode: 137, OOMKilled: true}, execution.StateFailed, "oom_killed"},
		{"lost", orchestrator.RuntimeStatus{Phase: orchestrator.PhaseMissing}, execution.StateFailed, "container_lost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			exec := f.running(t)
			f.clock.Advance(time.Minute)
			if tt.status.Phase == orchestrator.PhaseMissing {
				_ = f.platform.Remove(context.Background(), exec.ContainerRef)
			}

			got, err := f.orch.Finalize(context.Background(), exec, tt.status)
			if err != nil {
				t.Fatalf("Finalize failed: %v", err)
			}
			if got.State != tt.state || got.FailureReason != tt.reason {
				t.Errorf("got %s %q, want %s %q", got.State, got.FailureReason, tt.state, tt.reason)
			}
			if got.ContainerRef == "" || got.FinishedAt == nil {
				t.Error("terminal record keeps its container ref and finished_at")
			}
			if f.platform.Has(exec.ContainerRef) {
				t.Error("container must be removed")
			}
			if stored := f.get(t, exec.ID); stored.ReleasedAt == nil {
				t.Error("release must be recorded")
			}
		})
	}
}

func TestFinalize_RejectsLiveStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	_, err := f.orch.Finalize(context.Background(), exec, orchestrator.RuntimeStatus{Phase: orchestrator.PhaseRunning})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReconcile_ExitedContainerIsFinalized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)
	f.platform.Exit(exec.ContainerRef, 0)

	got, err := f.orch.Reconcile(context.Background(), exec)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.State != execution.StateFinished {
		t.Errorf("expected FINISHED, got %s", got.State)
	}
}

func TestReconcile_TimeoutTerminates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)
	f.clock.Advance(11 * time.Minute)

	got, err := f.orch.Reconcile(context.Background(), exec)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.State != execution.StateFailed || got.FailureReason != "timeout" {
		t.Errorf("expected FAILED timeout, got %s %q", got.State, got.FailureReason)
	}
	if f.platform.Has(exec.ContainerRef) {
		t.Error("container must be removed")
	}
}

func TestTerminate_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	got, err := f.orch.Cancel(context.Background(), exec)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != execution.StateCancelled || got.ContainerRef != "" {
		t.Errorf("expected CANCELLED without container, got %s %q", got.State, got.ContainerRef)
	}
	if f.platform.Has(exec.ContainerRef) {
		t.Error("container must be removed")
	}

	_, err = f.orch.Cancel(context.Background(), got)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("expected invalid transition for terminal execution, got %v", err)
	}
}

func TestTerminate_CancelPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.create(t)

	got, err := f.orch.Cancel(context.Background(), exec)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != execution.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", got.State)
	}
	if f.platform.Removes.Load() != 0 {
		t.Error("no container to remove for PENDING")
	}

	if _, err := f.orch.Terminate(context.Background(), f.create(t), "stale_timeout", orchestrator.IntentFail); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("PENDING cannot fail by termination, got %v", err)
	}
}

func TestTerminate_CancelStaleRecordRemovesContainer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.create(t)

	running, err := f.orch.Provision(context.Background(), exec)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	// Cancel with the PENDING record read before provisioning committed.
	got, err := f.orch.Cancel(context.Background(), exec)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != execution.StateCancelled || got.ContainerRef != "" {
		t.Errorf("expected CANCELLED without container, got %s %q", got.State, got.ContainerRef)
	}
	if f.platform.Has(running.ContainerRef) {
		t.Error("running container must be removed before cancelling")
	}
	if stored := f.get(t, exec.ID); stored.ReleasedAt == nil {
		t.Error("release must be recorded")
	}
}

func TestTerminate_FailIntent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	got, err := f.orch.Terminate(context.Background(), exec, execution.ReasonStaleTimeout, orchestrator.IntentFail)
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if got.State != execution.StateFailed || got.FailureReason != "stale_timeout" {
		t.Errorf("expected FAILED stale_timeout, got %s %q", got.State, got.FailureReason)
	}
	if stored := f.get(t, exec.ID); stored.ReleasedAt == nil {
		t.Error("release must be recorded")
	}
}

func TestTerminate_UnconfirmedRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)
	f.platform.RemoveErr = func(string) error {
		return orchestrator.Transient(errors.New("daemon timeout"))
	}

	got, err := f.orch.Terminate(context.Background(), exec, execution.ReasonStaleTimeout, orchestrator.IntentFail)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if got.State != execution.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if !strings.HasPrefix(got.FailureReason, "stale_timeout: platform_unreachable: ") {
		t.Errorf("unexpected reason %q", got.FailureReason)
	}
	if got.ReleasedAt != nil {
		t.Error("unconfirmed removal must stay unreleased")
	}
	if f.platform.Removes.Load() != 3 {
		t.Errorf("expected 3 removal attempts, got %d", f.platform.Removes.Load())
	}
}

func TestFinalizeAndTerminateRace(t *testing.T) {
	t.Parallel()
	for range 20 {
		f := newFixture(t)
		exec := f.running(t)
		f.platform.Exit(exec.ContainerRef, 0)

		var wg sync.WaitGroup
		var finErr, termErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, finErr = f.orch.Finalize(context.Background(), exec, orchestrator.RuntimeStatus{Phase: orchestrator.PhaseExited})
		}()
		go func() {
			defer wg.Done()
			_, termErr = f.orch.Cancel(context.Background(), exec)
		}()
		wg.Wait()

		if (finErr == nil) == (termErr == nil) {
			t.Fatalf("exactly one call must win: finalize=%v terminate=%v", finErr, termErr)
		}
		loser := finErr
		if loser == nil {
			loser = termErr
		}
		if !errors.Is(loser, apperrors.ErrInvalidTransition) {
			t.Fatalf("loser must see an invalid transition, got %v", loser)
		}

		got := f.get(t, exec.ID)
		switch {
		case finErr == nil && got.State != execution.StateFinished:
			t.Fatalf("finalize won but state is %s", got.State)
		case termErr == nil && got.State != execution.StateCancelled:
			t.Fatalf("terminate won but state is %s", got.State)
		}
		if f.platform.Has(exec.ContainerRef) {
			t.Fatal("container must be gone")
		}
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	exec := f.running(t)

	if _, err := f.orch.Release(context.Background(), exec); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("RUNNING cannot be released, got %v", err)
	}

	// FINISHED without removing the container, as after a dropped completion.
	code := 0
	done, err := f.registry.Transition(context.Background(), exec.ID, execution.StateFinished, execution.TransitionMeta{ExitCode: &code})
	if err != nil {
		t.Fatal(err)
	}

	released, err := f.orch.Release(context.Background(), done)
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	if f.platform.Has(exec.ContainerRef) {
		t.Error("container must be removed")
	}

	released, err = f.orch.Release(context.Background(), f.get(t, exec.ID))
	if err != nil || released {
		t.Errorf("second release must be a no-op, got %v %v", released, err)
	}
}

func TestPollRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alive := f.running(t)
	exited := f.running(t)
	f.platform.Exit(exited.ContainerRef, 2)

	res, err := f.orch.PollRunning(context.Background())
	if err != nil {
		t.Fatalf("PollRunning failed: %v", err)
	}
	if res.Scanned != 2 || res.Succeeded != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := f.get(t, exited.ID); got.State != execution.StateFailed || got.FailureReason != "exit_code: 2" {
		t.Errorf("unexpected exited state %s %q", got.State, got.FailureReason)
	}
	if got := f.get(t, alive.ID); got.LastHeartbeatAt == nil {
		t.Error("alive execution must be heartbeated")
	}
}

func TestDispatchPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.create(t)
	f.clock.Advance(5 * time.Minute)
	fresh := f.create(t)

	res, err := f.orch.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending failed: %v", err)
	}
	if res.Scanned != 1 || res.Succeeded != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := f.get(t, old.ID); got.State != execution.StateRunning {
		t.Errorf("expected old PENDING to run, got %s", got.State)
	}
	if got := f.get(t, fresh.ID); got.State != execution.StatePending {
		t.Errorf("fresh PENDING must wait for its own provisioning, got %s", got.State)
	}
}

func TestRemoveOrphan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.platform.AddContainer(orchestrator.Task{Ref: "node-1/exec-ghost", NodeID: "node-1", ExecutionID: "ghost"})

	if err := f.orch.RemoveOrphan(context.Background(), "node-1/exec-ghost"); err != nil {
		t.Fatalf("RemoveOrphan failed: %v", err)
	}
	if f.platform.Has("node-1/exec-ghost") {
		t.Error("orphan must be removed")
	}
}
