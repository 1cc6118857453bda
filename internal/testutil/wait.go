// Package testutil provides polling helpers for asynchronous tests.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: 10 * time.Second, Interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it holds or the timeout elapses. The
// condition is always evaluated once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-deadline.C:
			return condition()
		case <-tick.C:
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount waits until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// MustWaitForValue polls get until accept holds for its result and returns
// that result. The test fails on timeout, reporting the last value seen.
func MustWaitForValue[T any](tb testing.TB, get func() T, accept func(T) bool, opts ...WaitOption) T {
	tb.Helper()
	var last T
	ok := WaitFor(tb, func() bool {
		last = get()
		return accept(last)
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for value (last: %+v)", last)
	}
	return last
}

// MustReceive reads one value from ch or fails the test after timeout.
func MustReceive[T any](tb testing.TB, ch <-chan T, timeout time.Duration) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		tb.Fatalf("timed out after %v waiting to receive", timeout)
		var zero T
		return zero
	}
}
