// Package worker provides the goroutine pool that claims jobs from the
// queue service and dispatches them to registered handlers, plus the
// periodic scheduler for cron-like triggers.
//
// Handlers are registered per category into a typed Registry before
// Pool.Start. Each concurrency slot is an independent claim loop; a shared
// store coordinates exclusion through the atomic claim.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
)

// ErrNoHandler is wrapped into the failure recorded when a job is claimed
// for a category nothing registered for. Such jobs consume retry attempts
// like any other failure rather than being silently dropped.
var ErrNoHandler = errors.New("no handler registered")

// Handler executes jobs of a single category. A non-nil return moves the
// job to retry (or failed once the attempt budget is spent); the error text
// becomes the job's error_message verbatim. Handlers must tolerate
// duplicate execution — delivery is at-least-once.
type Handler interface {
	Category() queue.Category
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	category queue.Category
	fn       func(ctx context.Context, payload json.RawMessage) error
}

// NewHandlerFunc wraps fn as a Handler for category.
func NewHandlerFunc(category queue.Category, fn func(ctx context.Context, payload json.RawMessage) error) HandlerFunc {
	return HandlerFunc{category: category, fn: fn}
}

func (h HandlerFunc) Category() queue.Category { return h.category }

func (h HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return h.fn(ctx, payload)
}

// Registry maps categories to handlers. Registration happens at startup;
// lookups happen on every dispatch.
type Registry struct {
	mu sync.RWMutex
	m  map[queue.Category]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[queue.Category]Handler)}
}

// Register adds h under its category. Registering the same category twice
// is a wiring bug and returns an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := h.Category()
	if _, dup := r.m[c]; dup {
		return fmt.Errorf("handler for category %q already registered", c)
	}
	r.m[c] = h
	return nil
}

// MustRegister is Register that panics on duplicate registration. For use
// in main wiring where a duplicate is unrecoverable.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for category.
func (r *Registry) Lookup(category queue.Category) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[category]
	return h, ok
}

// Categories returns the registered categories, for startup logging.
func (r *Registry) Categories() []queue.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.Category, 0, len(r.m))
	for c := range r.m {
		out = append(out, c)
	}
	return out
}
