package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"executor/pkg/backoff"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		CallTimeout: time.Second,
	}
}

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(op string, attempt int, err error) { retried = append(retried, attempt) }

	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 2 || retried[1] != 3 {
		t.Errorf("unexpected retry callbacks %v", retried)
	}
}

func TestRetryPolicy_DoesNotRetryRejection(t *testing.T) {
	t.Parallel()
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "op", func(context.Context) error {
		calls++
		return Rejected(errors.New("quota exceeded"))
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("a rejection is not exhaustion")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	t.Parallel()
	calls := 0
	cause := errors.New("connection refused")
	err := fastPolicy(3).Do(context.Background(), "platform.create", func(context.Context) error {
		calls++
		return Transient(cause)
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected last error to be wrapped")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicy_AttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	p := fastPolicy(2)
	p.CallTimeout = 5 * time.Millisecond
	calls := 0

	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected exhaustion after timeouts, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicy_StopsWhenCallerCancels(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := fastPolicy(10).Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("timeout"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{}.withDefaults()
	if p.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", p.MaxAttempts)
	}
	if p.CallTimeout != 30*time.Second {
		t.Errorf("expected 30s call timeout, got %v", p.CallTimeout)
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status RuntimeStatus
		state  string
		reason string
	}{
		{"success", RuntimeStatus{Phase: PhaseExited, ExitCode: 0}, "FINISHED", ""},
		{"non-zero exit", RuntimeStatus{Phase: PhaseExited, ExitCode: 3}, "FAILED", "exit_code: 3"},
		{"oom", RuntimeStatus{Phase: PhaseExited, ExitCode: 137, OOMKilled: true}, "FAILED", "oom_killed"},
		{"platform error", RuntimeStatus{Phase: PhaseExited, Error: "mount failed"}, "FAILED", "platform_error: mount failed"},
		{"missing", RuntimeStatus{Phase: PhaseMissing}, "FAILED", "container_lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state, meta := outcome(tt.status)
			if string(state) != tt.state {
				t.Errorf("state = %s, want %s", state, tt.state)
			}
			if meta.FailureReason != tt.reason {
				t.Errorf("reason = %q, want %q", meta.FailureReason, tt.reason)
			}
		})
	}
}
