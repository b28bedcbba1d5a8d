// Package testutil provides polling helpers and a manual clock for tests
// that observe background work: provisioning, scheduled tasks and
// callback delivery.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// Counter is satisfied by atomic.Int64 and the fakes' call counters.
type Counter interface {
	Load() int64
}

type outcome struct {
	ok       bool
	attempts int
	elapsed  time.Duration
}

func defaultOptions() WaitOptions {
	return WaitOptions{Timeout: 10 * time.Second, Interval: 10 * time.Millisecond}
}

func poll(condition func() bool, opts []WaitOption) outcome {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Interval <= 0 {
		o.Interval = defaultOptions().Interval
	}

	start := time.Now()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	attempts := 1
	if condition() {
		return outcome{ok: true, attempts: attempts, elapsed: time.Since(start)}
	}
	for {
		select {
		case <-ticker.C:
		case <-deadline.C:
			// One last look so work finishing at the deadline still counts.
			attempts++
			return outcome{ok: condition(), attempts: attempts, elapsed: time.Since(start)}
		}
		attempts++
		if condition() {
			return outcome{ok: true, attempts: attempts, elapsed: time.Since(start)}
		}
	}
}

// WaitFor polls until condition returns true or the timeout passes.
// It reports whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, opts).ok
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if res := poll(condition, opts); !res.ok {
		tb.Fatalf("timed out after %s waiting for condition (%d checks)", res.elapsed.Round(time.Millisecond), res.attempts)
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	res := poll(func() bool { return counter.Load() >= target }, opts)
	if !res.ok {
		tb.Fatalf("timed out after %s waiting for counter to reach %d (current: %d)", res.elapsed.Round(time.Millisecond), target, counter.Load())
	}
}
