// ABOUTME: Read-only ops surface polled by the external dashboard: health,
// ABOUTME: worker status, queue stats, dead-letter listing/reprocess, metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/worker"
)

// Pinger is the health-check slice of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the dependencies the ops endpoints read from.
type Server struct {
	queue *queue.Service
	pool  *worker.Pool
	db    Pinger
	log   *slog.Logger
}

// NewRouter builds the ops router. A nil log uses slog.Default.
func NewRouter(q *queue.Service, pool *worker.Pool, db Pinger, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{queue: q, pool: pool, db: db, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue/stats", s.handleStats)
		r.Get("/queue/dead-letter", s.handleDeadLetter)
		r.Post("/queue/dead-letter/{id}/reprocess", s.handleReprocess)
		r.Post("/queue/retry-failed", s.handleRetryFailed)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the worker introspection snapshot.
type statusResponse struct {
	IsRunning      bool     `json:"is_running"`
	Concurrency    int      `json:"concurrency"`
	WorkerCount    int      `json:"worker_count"`
	ActiveJobCount int      `json:"active_job_count"`
	ActiveJobIDs   []string `json:"active_job_ids"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ids := s.pool.ActiveJobs()
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	s.respondJSON(w, http.StatusOK, statusResponse{
		IsRunning:      s.pool.IsRunning(),
		Concurrency:    s.pool.Concurrency(),
		WorkerCount:    s.pool.WorkerCount(),
		ActiveJobCount: len(ids),
		ActiveJobIDs:   strIDs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats", "error", err)
		s.respondError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// deadLetterEntry is the list item shape; error_message is included because
// the dashboard's main use of this list is triage.
type deadLetterEntry struct {
	ID           string          `json:"id"`
	Category     string          `json:"category"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.respondError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	jobs, err := s.queue.DeadLetterJobs(r.Context(), limit)
	if err != nil {
		s.log.Error("dead letter list", "error", err)
		s.respondError(w, http.StatusInternalServerError, "dead letter query failed")
		return
	}

	items := make([]deadLetterEntry, len(jobs))
	for i, j := range jobs {
		items[i] = deadLetterEntry{
			ID:           j.ID.String(),
			Category:     string(j.Category),
			Payload:      j.Payload,
			Attempts:     j.Attempts,
			MaxAttempts:  j.MaxAttempts,
			ErrorMessage: j.ErrorMessage,
			CompletedAt:  j.CompletedAt,
			CreatedAt:    j.CreatedAt,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	newID, err := s.queue.ReprocessDeadLetterJob(r.Context(), id)
	if err != nil {
		s.log.Warn("dead letter reprocess rejected", "job_id", id, "error", err)
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"job_id": newID.String()})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	category := queue.Category(r.URL.Query().Get("category"))
	n, err := s.queue.RetryFailedJobs(r.Context(), category)
	if err != nil {
		s.log.Error("retry failed jobs", "error", err)
		s.respondError(w, http.StatusInternalServerError, "retry-failed update failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
