package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a periodic trigger: run once immediately on scheduler start, then
// repeatedly at Interval. Runs are independently error-caught, so one
// failing cycle never halts the schedule.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// DailyTask runs once per day at the given local hour.
type DailyTask struct {
	Name string
	Hour int // 0–23
	Run  func(ctx context.Context) error
}

// Scheduler drives the periodic tasks independently of the claim loops.
// Typical tasks enqueue jobs (feed dispatch, analysis dispatch, cleanup)
// rather than doing the work inline.
type Scheduler struct {
	log   *slog.Logger
	tasks []Task
	daily []DailyTask

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler. A nil log uses slog.Default.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Add registers a periodic task. Must be called before Start.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// AddDaily registers a daily task. Must be called before Start.
func (s *Scheduler) AddDaily(t DailyTask) {
	s.daily = append(s.daily, t)
}

// Start launches one goroutine per task. Interval tasks fire immediately,
// then on their ticker; daily tasks wait for their next scheduled hour.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.runInterval(ctx, t)
		}(t)
	}
	for _, t := range s.daily {
		s.wg.Add(1)
		go func(t DailyTask) {
			defer s.wg.Done()
			s.runDaily(ctx, t)
		}(t)
	}

	s.log.Info("scheduler started",
		"interval_tasks", len(s.tasks), "daily_tasks", len(s.daily))
	return nil
}

// Stop cancels all task goroutines and waits for in-progress runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runInterval(ctx context.Context, t Task) {
	s.runOnce(ctx, t.Name, t.Run)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t.Name, t.Run)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, t DailyTask) {
	for {
		timer := time.NewTimer(time.Until(nextHour(time.Now(), t.Hour)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, t.Name, t.Run)
		}
	}
}

// runOnce executes a single task cycle, recovering panics so a broken task
// cannot take the scheduler goroutine down.
func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", "task", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.log.Error("scheduled task failed", "task", name, "error", err)
		return
	}
	s.log.Debug("scheduled task ran", "task", name)
}

// nextHour returns the next occurrence of the given local hour strictly
// after now.
func nextHour(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
