package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
)

const jobColumns = `id, category, payload, priority, status, attempts, max_attempts,
	scheduled_at, started_at, completed_at, error_message, created_at`

// InsertJob creates a pending row scheduled at runAt.
func (s *Store) InsertJob(ctx context.Context, category queue.Category, payload json.RawMessage, priority, maxAttempts int, runAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (category, payload, priority, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		category, payload, priority, maxAttempts, runAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimJob atomically claims one eligible job. The inner SELECT orders by
// (priority, scheduled_at) and skips rows locked by concurrent claimers, so
// no two callers ever receive the same row. Returns (nil, nil) when no job
// is eligible.
func (s *Store) ClaimJob(ctx context.Context) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'processing',
			started_at = now(),
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'retry') AND scheduled_at <= now()
			ORDER BY priority, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob records a handler failure: retry with the fixed backoff while
// attempts < max_attempts, terminal failed otherwise. One statement so the
// retry-or-dead-letter decision is atomic with the status write.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'retry' ELSE 'failed' END,
			scheduled_at = CASE WHEN attempts < max_attempts
				THEN now() + $2 * interval '1 second' ELSE scheduled_at END,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
			error_message = $3
		WHERE id = $1 AND status = 'processing'`,
		id, retryDelay.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// ReleaseJob returns a processing job to retry without consuming an
// attempt. The claim's increment is undone; error_message is left alone.
func (s *Store) ReleaseJob(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'retry',
			scheduled_at = now() + $2 * interval '1 second',
			attempts = GREATEST(attempts - 1, 0),
			started_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, delay.Seconds())
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

// GetJob fetches one row by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// FindActiveJob returns a non-terminal job of category whose payload
// contains match, using jsonb containment so the GIN-indexable operator
// does the comparison.
func (s *Store) FindActiveJob(ctx context.Context, category queue.Category, match map[string]any) (uuid.UUID, bool, error) {
	matchJSON, err := json.Marshal(match)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find active job: marshal match: %w", err)
	}

	var id uuid.UUID
	err = s.pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE category = $1
		  AND status IN ('pending', 'processing', 'retry')
		  AND payload @> $2
		ORDER BY created_at
		LIMIT 1`,
		category, matchJSON,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("find active job: %w", err)
	}
	return id, true, nil
}

// JobStats returns per-status counts and the average completion duration
// over jobs completed in the last 24 hours.
func (s *Store) JobStats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{StatusCounts: make(map[queue.Status]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status queue.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("job stats: scan: %w", err)
		}
		stats.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	var avgSeconds float64
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - started_at)), 0)
		FROM jobs
		WHERE status = 'completed'
		  AND completed_at > now() - interval '24 hours'
		  AND started_at IS NOT NULL`,
	).Scan(&avgSeconds)
	if err != nil {
		return nil, fmt.Errorf("job stats: avg duration: %w", err)
	}
	stats.AvgCompletedDuration = time.Duration(avgSeconds * float64(time.Second))
	return stats, nil
}

// DeleteOldJobs removes terminal rows that finished before cutoff.
func (s *Store) DeleteOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedJobs moves failed rows with remaining attempt budget back to
// retry at runAt, clearing error_message. Empty category means all.
func (s *Store) ResetFailedJobs(ctx context.Context, category queue.Category, runAt time.Time) (int64, error) {
	q := psql.Update("jobs").
		Set("status", string(queue.StatusRetry)).
		Set("scheduled_at", runAt).
		Set("completed_at", nil).
		Set("error_message", nil).
		Where(sq.Eq{"status": string(queue.StatusFailed)}).
		Where("attempts < max_attempts")
	if category != "" {
		q = q.Where(sq.Eq{"category": string(category)})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeadLetterJobs lists failed rows with exhausted attempt budgets, most
// recently failed first.
func (s *Store) ListDeadLetterJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	sql, args, err := psql.Select(jobColumns).
		From("jobs").
		Where(sq.Eq{"status": string(queue.StatusFailed)}).
		Where("attempts >= max_attempts").
		OrderBy("completed_at DESC NULLS LAST").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list dead letter jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letter jobs: %w", err)
	}
	defer rows.Close()

	var out []queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letter jobs: scan: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letter jobs: %w", err)
	}
	return out, nil
}

// RecoverStaleJobs resets processing rows older than staleAfter back to
// retry. The claim increment is kept so a chronically stuck job still
// exhausts its budget.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'retry', started_at = NULL
		WHERE status = 'processing'
		  AND started_at < now() - $1 * interval '1 second'`,
		staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*queue.Job, error) {
	var j queue.Job
	err := row.Scan(
		&j.ID, &j.Category, &j.Payload, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.ScheduledAt,
		&j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
