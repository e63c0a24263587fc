package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker is
// open and still cooling down. It is a distinct error kind from a handler
// failure: the worker pool releases the job instead of failing it, so a
// short-circuit never consumes the job's retry budget.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a CircuitBreaker. Zero fields take the defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open. Default 5.
	FailureThreshold int
	// ResetTimeout is how long an open breaker short-circuits before
	// allowing a half-open probe. Default 60s.
	ResetTimeout time.Duration
	// HalfOpenSuccesses is how many consecutive half-open successes close
	// the breaker. Default 1.
	HalfOpenSuccesses int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 1
	}
	return c
}

// CircuitBreaker isolates a chronically failing job category. State is held
// in memory only and resets on process restart.
type CircuitBreaker struct {
	category Category
	cfg      BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	probeSuccess  int
	lastFailureAt time.Time
}

// NewCircuitBreaker creates a closed breaker for category.
func NewCircuitBreaker(category Category, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		category: category,
		cfg:      cfg.withDefaults(),
		state:    BreakerClosed,
	}
}

// Execute runs fn through the breaker. While open and cooling down it
// returns ErrCircuitOpen without invoking fn. Once the reset timeout has
// elapsed the breaker moves to half-open and lets fn through as a probe: a
// configured run of probe successes closes it, a single probe failure
// reopens it.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailureAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probeSuccess = 0
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailureAt = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
		return err
	}

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.probeSuccess++
		if b.probeSuccess >= b.cfg.HalfOpenSuccesses {
			b.state = BreakerClosed
		}
	}
	return nil
}

// State returns the breaker's current position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Category returns the job category this breaker guards.
func (b *CircuitBreaker) Category() Category { return b.category }
