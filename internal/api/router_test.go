// ABOUTME: Handler tests for the ops router using an in-memory queue store.
// ABOUTME: No database; health checks use a stub Pinger.
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/api"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue/queuetest"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/worker"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, db api.Pinger) (http.Handler, *queue.Service) {
	t.Helper()
	svc := queue.New(queuetest.NewStore(), queue.Config{}, nil)
	pool := worker.NewPool(svc, worker.NewRegistry(), worker.Config{Concurrency: 3}, nil)
	return api.NewRouter(svc, pool, db, nil), svc
}

func doJSON(t *testing.T, h http.Handler, method, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\nbody: %s", method, target, err, rec.Body)
		}
	}
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, stubPinger{})

	var body map[string]string
	rec := doJSON(t, h, http.MethodGet, "/healthz", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}

	down, _ := newTestRouter(t, stubPinger{err: errors.New("conn refused")})
	rec = doJSON(t, down, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with dead db = %d, want 503", rec.Code)
	}
}

func TestStatusReportsIdlePool(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, stubPinger{})

	var body struct {
		IsRunning      bool     `json:"is_running"`
		Concurrency    int      `json:"concurrency"`
		WorkerCount    int      `json:"worker_count"`
		ActiveJobCount int      `json:"active_job_count"`
		ActiveJobIDs   []string `json:"active_job_ids"`
	}
	rec := doJSON(t, h, http.MethodGet, "/api/status", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body.IsRunning {
		t.Error("is_running = true for an unstarted pool")
	}
	if body.Concurrency != 3 || body.WorkerCount != 3 {
		t.Errorf("concurrency/worker_count = %d/%d, want 3/3", body.Concurrency, body.WorkerCount)
	}
	if body.ActiveJobCount != 0 || len(body.ActiveJobIDs) != 0 {
		t.Errorf("active jobs = %d %v, want none", body.ActiveJobCount, body.ActiveJobIDs)
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	h, svc := newTestRouter(t, stubPinger{})
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, "report", map[string]any{"k": "1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var stats queue.Stats
	rec := doJSON(t, h, http.MethodGet, "/api/queue/stats", &stats)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stats.StatusCounts[queue.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", stats.StatusCounts[queue.StatusPending])
	}
}

func TestDeadLetterListAndReprocess(t *testing.T) {
	t.Parallel()
	h, svc := newTestRouter(t, stubPinger{})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, "report", map[string]any{"k": "1"},
		queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := svc.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%v err=%v", job, err)
	}
	if err := svc.Fail(ctx, job.ID, "exploded"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var list struct {
		Items []struct {
			ID           string `json:"id"`
			Category     string `json:"category"`
			Attempts     int    `json:"attempts"`
			ErrorMessage string `json:"error_message"`
		} `json:"items"`
	}
	rec := doJSON(t, h, http.MethodGet, "/api/queue/dead-letter", &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(list.Items) != 1 {
		t.Fatalf("got %d dead letter items, want 1", len(list.Items))
	}
	entry := list.Items[0]
	if entry.ID != id.String() || entry.Category != "report" || entry.ErrorMessage != "exploded" {
		t.Errorf("entry = %+v", entry)
	}

	var accepted map[string]string
	rec = doJSON(t, h, http.MethodPost, "/api/queue/dead-letter/"+id.String()+"/reprocess", &accepted)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reprocess status = %d, want 202\nbody: %s", rec.Code, rec.Body)
	}
	newID, err := uuid.Parse(accepted["job_id"])
	if err != nil || newID == id {
		t.Errorf("job_id = %q, want a fresh uuid", accepted["job_id"])
	}
}

func TestDeadLetterValidation(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, stubPinger{})

	for _, target := range []string{
		"/api/queue/dead-letter?limit=0",
		"/api/queue/dead-letter?limit=501",
		"/api/queue/dead-letter?limit=abc",
	} {
		rec := doJSON(t, h, http.MethodGet, target, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/api/queue/dead-letter/not-a-uuid/reprocess", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad uuid: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/queue/dead-letter/"+uuid.NewString()+"/reprocess", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown job: status = %d, want 422", rec.Code)
	}
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, stubPinger{})

	var body map[string]int64
	rec := doJSON(t, h, http.MethodPost, "/api/queue/retry-failed?category=feed-fetch", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if n, ok := body["retried"]; !ok || n != 0 {
		t.Errorf("body = %v, want retried=0", body)
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, stubPinger{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics body")
	}
}
