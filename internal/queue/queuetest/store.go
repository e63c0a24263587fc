// Package queuetest provides an in-memory queue.Store for unit tests of the
// queue service and worker pool. Claim semantics mirror the Postgres
// implementation (priority order, scheduled_at eligibility, mutual
// exclusion) under a single mutex.
package queuetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
)

// Store is a mutex-guarded map of jobs implementing queue.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*queue.Job

	// FailWith, when non-nil, is returned by every method. Lets tests
	// exercise store error paths.
	FailWith error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{jobs: make(map[uuid.UUID]*queue.Job)}
}

// Snapshot returns a copy of the job with the given id, or nil.
func (s *Store) Snapshot(id uuid.UUID) *queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// Len returns the number of rows in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) InsertJob(_ context.Context, category queue.Category, payload json.RawMessage, priority, maxAttempts int, runAt time.Time) (uuid.UUID, error) {
	if s.FailWith != nil {
		return uuid.Nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.jobs[id] = &queue.Job{
		ID:          id,
		Category:    category,
		Payload:     payload,
		Priority:    priority,
		Status:      queue.StatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: runAt,
		CreatedAt:   time.Now(),
	}
	return id, nil
}

func (s *Store) ClaimJob(_ context.Context) (*queue.Job, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []*queue.Job
	for _, j := range s.jobs {
		if (j.Status == queue.StatusPending || j.Status == queue.StatusRetry) && !j.ScheduledAt.After(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority < eligible[b].Priority
		}
		return eligible[a].ScheduledAt.Before(eligible[b].ScheduledAt)
	})

	j := eligible[0]
	started := now
	j.Status = queue.StatusProcessing
	j.StartedAt = &started
	j.Attempts++
	cp := *j
	return &cp, nil
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	done := time.Now()
	j.Status = queue.StatusCompleted
	j.CompletedAt = &done
	return nil
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.ErrorMessage = &errMsg
	if j.Attempts < j.MaxAttempts {
		j.Status = queue.StatusRetry
		j.ScheduledAt = time.Now().Add(retryDelay)
		j.CompletedAt = nil
		return nil
	}
	done := time.Now()
	j.Status = queue.StatusFailed
	j.CompletedAt = &done
	return nil
}

func (s *Store) ReleaseJob(_ context.Context, id uuid.UUID, delay time.Duration) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = queue.StatusRetry
	j.ScheduledAt = time.Now().Add(delay)
	j.StartedAt = nil
	if j.Attempts > 0 {
		j.Attempts--
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*queue.Job, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	return s.Snapshot(id), nil
}

func (s *Store) FindActiveJob(_ context.Context, category queue.Category, match map[string]any) (uuid.UUID, bool, error) {
	if s.FailWith != nil {
		return uuid.Nil, false, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.Category != category || j.Status.Terminal() {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(j.Payload, &fields); err != nil {
			continue
		}
		if containsAll(fields, match) {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (s *Store) JobStats(_ context.Context) (*queue.Stats, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &queue.Stats{StatusCounts: make(map[queue.Status]int)}
	var total time.Duration
	var n int
	for _, j := range s.jobs {
		stats.StatusCounts[j.Status]++
		if j.Status == queue.StatusCompleted && j.StartedAt != nil && j.CompletedAt != nil &&
			time.Since(*j.CompletedAt) < 24*time.Hour {
			total += j.CompletedAt.Sub(*j.StartedAt)
			n++
		}
	}
	if n > 0 {
		stats.AvgCompletedDuration = total / time.Duration(n)
	}
	return stats, nil
}

func (s *Store) DeleteOldJobs(_ context.Context, cutoff time.Time) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		when := j.CreatedAt
		if j.CompletedAt != nil {
			when = *j.CompletedAt
		}
		if when.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetFailedJobs(_ context.Context, category queue.Category, runAt time.Time) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status != queue.StatusFailed || j.Attempts >= j.MaxAttempts {
			continue
		}
		if category != "" && j.Category != category {
			continue
		}
		j.Status = queue.StatusRetry
		j.ScheduledAt = runAt
		j.ErrorMessage = nil
		j.CompletedAt = nil
		n++
	}
	return n, nil
}

func (s *Store) ListDeadLetterJobs(_ context.Context, limit int) ([]queue.Job, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.Job
	for _, j := range s.jobs {
		if j.Status == queue.StatusFailed && j.Attempts >= j.MaxAttempts {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].CreatedAt, out[b].CreatedAt
		if out[a].CompletedAt != nil {
			ta = *out[a].CompletedAt
		}
		if out[b].CompletedAt != nil {
			tb = *out[b].CompletedAt
		}
		return ta.After(tb)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecoverStaleJobs(_ context.Context, staleAfter time.Duration) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var n int64
	for _, j := range s.jobs {
		if j.Status == queue.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			j.Status = queue.StatusRetry
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

// containsAll reports whether every key/value in match appears in fields,
// comparing values through their JSON representation as the Postgres @>
// containment operator does.
func containsAll(fields, match map[string]any) bool {
	for k, want := range match {
		got, ok := fields[k]
		if !ok {
			return false
		}
		wb, _ := json.Marshal(want)
		gb, _ := json.Marshal(got)
		if string(wb) != string(gb) {
			return false
		}
	}
	return true
}
