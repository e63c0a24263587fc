// Package queue implements the durable job queue: enqueue with
// deduplication, atomic claim, retry/backoff, dead-lettering, and
// per-category circuit breaking.
//
// The queue is at-least-once: a handler may observe the same job twice
// (worker crash between execution and CompleteJob), so handlers must be
// idempotent. Persistence is behind the Store interface; the Postgres
// implementation lives in internal/store.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
//
// Transitions: pending|retry → processing → completed|failed, with the
// back-edge processing → retry on transient failure. A retry row becomes
// eligible again once scheduled_at elapses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Terminal reports whether s is a final state. Dedup only considers
// non-terminal rows.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Category tags a job with the handler that executes it.
type Category string

// Job categories known to this deployment. Enqueue accepts any category;
// these constants exist so producers and handlers agree on spelling and so
// the dedup rule table can key off them.
const (
	CategoryFeedFetch           Category = "feed-fetch"
	CategoryContentProcess      Category = "content-process"
	CategoryDailyAnalysis       Category = "daily-analysis"
	CategoryGeneratePredictions Category = "generate-predictions"
	CategoryPredictionCompare   Category = "prediction-compare"
	CategoryQueueCleanup        Category = "queue-cleanup"
)

// Job is a queued unit of work. The payload is opaque to the queue except
// for the dedup rule table, which inspects a handful of identity fields.
type Job struct {
	ID           uuid.UUID
	Category     Category
	Payload      json.RawMessage
	Priority     int // lower value is served first
	Status       Status
	Attempts     int
	MaxAttempts  int
	ScheduledAt  time.Time // earliest claim time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	CreatedAt    time.Time
}

// Stats is the observability snapshot returned by Service.Stats.
type Stats struct {
	StatusCounts map[Status]int `json:"status_counts"`
	// AvgCompletedDuration is the mean started→completed duration over
	// jobs completed in the last 24 hours. Zero when none completed.
	AvgCompletedDuration time.Duration `json:"avg_completed_duration"`
}

// Store is the durable persistence contract the queue requires. Claim
// atomicity is the store's responsibility: no two concurrent ClaimJob
// callers may ever receive the same row (the Postgres implementation uses
// FOR UPDATE SKIP LOCKED).
type Store interface {
	// InsertJob creates a pending row scheduled at runAt and returns its id.
	InsertJob(ctx context.Context, category Category, payload json.RawMessage, priority, maxAttempts int, runAt time.Time) (uuid.UUID, error)

	// ClaimJob atomically claims the eligible job with the lowest priority
	// value, tie-broken by earliest scheduled_at, among pending/retry rows
	// whose scheduled_at has elapsed. It sets status=processing,
	// started_at=now, and increments attempts. Returns (nil, nil) when no
	// job is eligible.
	ClaimJob(ctx context.Context) (*Job, error)

	// CompleteJob marks a processing job completed.
	CompleteJob(ctx context.Context, id uuid.UUID) error

	// FailJob records a handler failure. While attempts < max_attempts the
	// row moves to retry with scheduled_at = now + retryDelay; otherwise it
	// moves to terminal failed.
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error

	// ReleaseJob returns a processing job to retry without consuming its
	// attempt budget (the claim's increment is undone). Used when a circuit
	// breaker short-circuited before the handler ran.
	ReleaseJob(ctx context.Context, id uuid.UUID, delay time.Duration) error

	// GetJob fetches a single row by id. Returns (nil, nil) when absent.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// FindActiveJob returns the id of a non-terminal job of the given
	// category whose payload contains every key/value pair in match.
	FindActiveJob(ctx context.Context, category Category, match map[string]any) (uuid.UUID, bool, error)

	// JobStats returns per-status counts and the 24h average completion
	// duration.
	JobStats(ctx context.Context) (*Stats, error)

	// DeleteOldJobs removes terminal rows finished before cutoff and
	// returns the number deleted.
	DeleteOldJobs(ctx context.Context, cutoff time.Time) (int64, error)

	// ResetFailedJobs moves failed rows that still have attempt budget back
	// to retry, scheduled at runAt, clearing error_message. An empty
	// category resets all categories.
	ResetFailedJobs(ctx context.Context, category Category, runAt time.Time) (int64, error)

	// ListDeadLetterJobs lists failed rows whose attempt budget is
	// exhausted, most recently failed first.
	ListDeadLetterJobs(ctx context.Context, limit int) ([]Job, error)

	// RecoverStaleJobs resets processing rows whose started_at is older
	// than staleAfter back to retry. Out-of-band recovery for stuck
	// handlers; the claim increment is kept so a chronically stuck job
	// still dead-letters eventually.
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error)
}
