package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
)

const (
	// defaultConcurrency is the claim-loop count when Config leaves it zero.
	defaultConcurrency = 5

	// maxConcurrency caps the claim-loop count regardless of configuration.
	maxConcurrency = 20

	// defaultPollInterval is the empty-queue sleep between claim attempts.
	defaultPollInterval = time.Second
)

// Config holds worker pool tuning parameters (sourced from config.Config).
type Config struct {
	Concurrency  int
	PollInterval time.Duration
}

// Pool runs Concurrency independent claim loops against the queue service.
// Each loop claims a job, dispatches it to the registered handler, and
// records the outcome. Stop drains: claims cease immediately, in-flight
// handlers run to completion.
type Pool struct {
	queue    *queue.Service
	registry *Registry
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  map[uuid.UUID]queue.Category
}

// NewPool creates a Pool dispatching into registry. A nil log uses
// slog.Default. Concurrency is clamped to [1, 20].
func NewPool(q *queue.Service, registry *Registry, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Pool{
		queue:    q,
		registry: registry,
		cfg:      cfg,
		log:      log,
		active:   make(map[uuid.UUID]queue.Category),
	}
}

// Start launches the claim loops. Returns an error if the pool is already
// running. Start does not block; use Stop to drain and halt.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.runLoop(ctx, slot)
		}(i)
	}

	p.log.Info("worker pool started",
		"concurrency", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval,
		"categories", p.registry.Categories())
	return nil
}

// Stop signals the claim loops to stop taking new work, then waits for
// every in-flight handler to finish. It returns early with ctx's error if
// the drain outlives ctx; the loops still exit once their handlers return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// runLoop claims and executes jobs until ctx is cancelled. When a claim
// returns work the loop immediately claims again; the ticker only paces the
// empty-queue case. time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Debug("worker loop started", "slot", slot)

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("worker loop stopping", "slot", slot)
			return
		case <-ticker.C:
			for p.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne claims and executes a single job. Returns true when a job was
// claimed, false when the queue was empty or the claim errored (both pace
// back to the poll ticker). Errors never stop the loop.
func (p *Pool) processOne(ctx context.Context) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		p.log.Error("dequeue error", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	p.trackStart(job)
	defer p.trackDone(job)

	// Results are recorded and in-flight handlers finish even while the
	// pool is draining, so store calls from here down must not ride the
	// claim context.
	execCtx := context.WithoutCancel(ctx)

	handler, ok := p.registry.Lookup(job.Category)
	if !ok {
		msg := fmt.Sprintf("%v for category %q", ErrNoHandler, job.Category)
		p.log.Error("job has no handler", "category", job.Category, "job_id", job.ID)
		p.recordFailure(execCtx, job, msg)
		return true
	}

	p.log.Info("executing job",
		"category", job.Category, "job_id", job.ID, "attempt", job.Attempts)
	start := time.Now()

	err = handler.Handle(execCtx, job.Payload)
	switch {
	case errors.Is(err, queue.ErrCircuitOpen):
		// A short-circuit is not a handler failure: the handler never ran,
		// so the attempt the claim charged is handed back.
		p.log.Warn("job short-circuited", "category", job.Category, "job_id", job.ID)
		if relErr := p.queue.Release(execCtx, job.ID); relErr != nil {
			p.log.Error("release job error", "job_id", job.ID, "error", relErr)
		}
		jobsProcessed.WithLabelValues(string(job.Category), "circuit_open").Inc()
	case err != nil:
		p.log.Error("job handler failed",
			"category", job.Category, "job_id", job.ID, "error", err)
		p.recordFailure(execCtx, job, err.Error())
	default:
		if cErr := p.queue.Complete(execCtx, job.ID); cErr != nil {
			p.log.Error("complete job error", "job_id", job.ID, "error", cErr)
		}
		jobsProcessed.WithLabelValues(string(job.Category), "completed").Inc()
		p.log.Info("job completed",
			"category", job.Category, "job_id", job.ID,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return true
}

func (p *Pool) recordFailure(ctx context.Context, job *queue.Job, msg string) {
	if err := p.queue.Fail(ctx, job.ID, msg); err != nil {
		p.log.Error("fail job error", "job_id", job.ID, "error", err)
	}
	jobsProcessed.WithLabelValues(string(job.Category), "failed").Inc()
}

func (p *Pool) trackStart(job *queue.Job) {
	p.mu.Lock()
	p.active[job.ID] = job.Category
	p.mu.Unlock()
	jobsActive.Inc()
}

func (p *Pool) trackDone(job *queue.Job) {
	p.mu.Lock()
	delete(p.active, job.ID)
	p.mu.Unlock()
	jobsActive.Dec()
}

// IsRunning reports whether the pool is accepting new claims.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Concurrency returns the configured claim-loop count.
func (p *Pool) Concurrency() int { return p.cfg.Concurrency }

// WorkerCount is the number of claim loops spawned by Start. Identical to
// Concurrency; kept as a separate accessor for the status API.
func (p *Pool) WorkerCount() int { return p.cfg.Concurrency }

// ActiveJobs returns the ids of jobs currently executing.
func (p *Pool) ActiveJobs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.active))
	for id := range p.active {
		out = append(out, id)
	}
	return out
}

// ActiveJobCount returns the number of jobs currently executing.
func (p *Pool) ActiveJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
