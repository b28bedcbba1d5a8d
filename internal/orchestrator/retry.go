package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"executor/pkg/backoff"
)

// RetryPolicy bounds automatic retries of platform calls. Only transient
// errors (including per-attempt timeouts) are retried; rejections and
// unclassified errors return immediately.
type RetryPolicy struct {
	MaxAttempts int            // total attempts including the first (default: 3)
	Backoff     backoff.Config // delay between attempts
	CallTimeout time.Duration  // per-attempt timeout (default: 30s)

	// OnRetry, when set, is called before each retry.
	OnRetry func(op string, attempt int, err error)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2},
		CallTimeout: 30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 30 * time.Second
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. Exhaustion is reported wrapping ErrRetriesExhausted
// and the last error.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(op, attempt, lastErr)
			}
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt-1, &p.Backoff)); err != nil {
				return fmt.Errorf("%s: %w", op, errors.Join(err, lastErr))
			}
		}

		lastErr = p.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, p.MaxAttempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()

	err := fn(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !errors.Is(err, ErrTransient) {
		// The attempt timed out while the caller is still waiting.
		return Transient(err)
	}
	return err
}
