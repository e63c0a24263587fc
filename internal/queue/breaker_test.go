package queue

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failN(n int, b *CircuitBreaker, t *testing.T) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute error = %v, want %v", err, errBoom)
		}
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	failN(2, b, t)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after 2 failures = %q, want %q", got, BreakerClosed)
	}

	failN(1, b, t)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %q, want %q", got, BreakerOpen)
	}

	// Open and cooling down: fn must not be invoked.
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("fn invoked through an open breaker")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	failN(2, b, t)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The counter restarted: two more failures stay under the threshold.
	failN(2, b, t)
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state = %q, want %q", got, BreakerClosed)
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond})

	failN(1, b, t)
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute before cool-down = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after probe success = %q, want %q", got, BreakerClosed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Millisecond})

	// A half-open failure reopens regardless of the threshold.
	failN(5, b, t)
	time.Sleep(40 * time.Millisecond)
	failN(1, b, t)
	if got := b.State(); got != BreakerOpen {
		t.Errorf("state after half-open failure = %q, want %q", got, BreakerOpen)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerConfigurableProbeSuccesses(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      30 * time.Millisecond,
		HalfOpenSuccesses: 2,
	})

	failN(1, b, t)
	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state after one probe success = %q, want %q", got, BreakerHalfOpen)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after two probe successes = %q, want %q", got, BreakerClosed)
	}
}
