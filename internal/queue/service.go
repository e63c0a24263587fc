package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds queue service tuning parameters (sourced from config.Config).
// Zero fields take the defaults.
type Config struct {
	DefaultPriority    int           // default 5; lower is served first
	DefaultMaxAttempts int           // default 3
	RetryDelay         time.Duration // fixed retry backoff, default 30s
	Breaker            BreakerConfig // per-category breaker settings
}

func (c Config) withDefaults() Config {
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 5
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	return c
}

// Service is the queue's public API: idempotent enqueue, claim, terminal
// transitions, and maintenance operations. It owns the per-category circuit
// breakers. All state beyond the breakers lives in the Store.
type Service struct {
	store Store
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	breakers map[Category]*CircuitBreaker
}

// New creates a Service backed by store. A nil log uses slog.Default.
func New(store Store, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      log,
		breakers: make(map[Category]*CircuitBreaker),
	}
}

// EnqueueOptions tunes a single enqueue. Zero values take the service
// defaults (priority 5, no delay, default attempt budget).
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Enqueue inserts a job, deduplicating first: if the category has a dedup
// rule and a non-terminal job with the same identity fields already exists,
// the existing job's id is returned and nothing is inserted. payload may be
// any JSON-marshalable value or a pre-encoded json.RawMessage.
//
// Enqueue is fire-and-forget beyond the returned id: job failures surface
// through the retry/dead-letter machinery, never to this caller.
func (s *Service) Enqueue(ctx context.Context, category Category, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: encode payload: %w", category, err)
	}

	if match, ok := dedupMatch(category, raw); ok {
		id, found, err := s.store.FindActiveJob(ctx, category, match)
		if err != nil {
			return uuid.Nil, fmt.Errorf("enqueue %s: dedup check: %w", category, err)
		}
		if found {
			s.log.Debug("enqueue deduplicated", "category", category, "existing_id", id)
			return id, nil
		}
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = s.cfg.DefaultPriority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	id, err := s.store.InsertJob(ctx, category, raw, priority, maxAttempts, time.Now().Add(opts.Delay))
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", category, err)
	}
	s.log.Info("job enqueued", "category", category, "job_id", id, "priority", priority)
	return id, nil
}

// BatchJob is one entry for EnqueueBatch.
type BatchJob struct {
	Category Category
	Payload  any
	Options  EnqueueOptions
}

// EnqueueBatch enqueues jobs one at a time, in order. Sequential on
// purpose: dedup correctness depends on each check-then-insert completing
// before the next begins. A failing entry is logged and skipped — its slot
// in the returned ids is uuid.Nil — and never aborts the rest.
func (s *Service) EnqueueBatch(ctx context.Context, jobs []BatchJob) []uuid.UUID {
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		id, err := s.Enqueue(ctx, j.Category, j.Payload, j.Options)
		if err != nil {
			s.log.Error("batch enqueue entry failed",
				"category", j.Category, "index", i, "error", err)
			continue
		}
		ids[i] = id
	}
	return ids
}

// Dequeue claims the next eligible job. Returns (nil, nil) when the queue
// is empty.
func (s *Service) Dequeue(ctx context.Context) (*Job, error) {
	return s.store.ClaimJob(ctx)
}

// Complete marks a claimed job completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.CompleteJob(ctx, id); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	s.log.Debug("job completed", "job_id", id)
	return nil
}

// Fail records a handler failure: retry with the fixed backoff while the
// attempt budget lasts, terminal failed (dead-letter eligible) once it is
// spent.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	if err := s.store.FailJob(ctx, id, errMsg, s.cfg.RetryDelay); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	s.log.Warn("job failed", "job_id", id, "error_message", errMsg)
	return nil
}

// Release returns a claimed job to the eligible pool without consuming an
// attempt, delayed past the breaker cool-down. Called by the worker pool
// when a circuit breaker short-circuited before the handler ran.
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	delay := s.cfg.Breaker.withDefaults().ResetTimeout
	if err := s.store.ReleaseJob(ctx, id, delay); err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	s.log.Info("job released, circuit open", "job_id", id, "delay", delay)
	return nil
}

// Stats returns per-status counts and the 24h average completion duration.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.JobStats(ctx)
}

// CleanupOldJobs deletes completed/failed rows that finished more than
// retentionDays ago. Returns the number deleted.
func (s *Service) CleanupOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := s.store.DeleteOldJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	if n > 0 {
		s.log.Info("old jobs cleaned up", "deleted", n, "retention_days", retentionDays)
	}
	return n, nil
}

// RetryFailedJobs bulk-moves failed rows that still have attempt budget
// back to retry with a near-future scheduled_at, clearing error_message.
// An empty category retries all categories. Returns the number moved.
func (s *Service) RetryFailedJobs(ctx context.Context, category Category) (int64, error) {
	n, err := s.store.ResetFailedJobs(ctx, category, time.Now().Add(5*time.Second))
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	s.log.Info("failed jobs reset for retry", "category", category, "count", n)
	return n, nil
}

// DeadLetterJobs lists failed rows whose attempt budget is exhausted.
func (s *Service) DeadLetterJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDeadLetterJobs(ctx, limit)
}

// ReprocessDeadLetterJob re-enqueues a dead-lettered job's category and
// payload as a brand-new job with a fresh attempt budget. The old row is
// left in place for the cleanup horizon; dedup is skipped so the new row
// cannot be swallowed by a lingering duplicate.
func (s *Service) ReprocessDeadLetterJob(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("reprocess dead letter %s: %w", id, err)
	}
	if job == nil {
		return uuid.Nil, fmt.Errorf("reprocess dead letter %s: job not found", id)
	}
	if job.Status != StatusFailed {
		return uuid.Nil, fmt.Errorf("reprocess dead letter %s: status is %q, want %q", id, job.Status, StatusFailed)
	}

	newID, err := s.store.InsertJob(ctx, job.Category, job.Payload, job.Priority, s.cfg.DefaultMaxAttempts, time.Now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("reprocess dead letter %s: %w", id, err)
	}
	s.log.Info("dead letter reprocessed",
		"category", job.Category, "old_id", id, "new_id", newID)
	return newID, nil
}

// RecoverStaleJobs resets processing rows older than staleAfter back to
// retry. Out-of-band recovery hook; not part of normal processing.
func (s *Service) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return s.store.RecoverStaleJobs(ctx, staleAfter)
}

// CircuitBreaker returns the breaker for category, creating it on first
// use. Breaker state is per-process and in-memory only.
func (s *Service) CircuitBreaker(category Category) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[category]
	if !ok {
		b = NewCircuitBreaker(category, s.cfg.Breaker)
		s.breakers[category] = b
	}
	return b
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
