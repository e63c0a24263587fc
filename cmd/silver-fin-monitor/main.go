// Command silver-fin-monitor is the financial feed monitor binary.
//
// Subcommands:
//
//	serve   — ops HTTP server + embedded worker pool and scheduler
//	worker  — standalone worker pool only (scaled deployments)
//	migrate — run pending database migrations and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database so daily scheduling works inside
	// distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/analysis"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/api"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/config"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/feed"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/store"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/worker"
	"github.com/scsilverstein/silver-fin-monitor-sub002/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "silver-fin-monitor",
		Short: "silver-fin-monitor — financial feed monitoring and analysis",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP server with embedded worker pool and scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newDBPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	q := newQueue(cfg, st)

	pool, err := newWorkerPool(cfg, st, q)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	sched := newScheduler(cfg, st, q)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Explicit timeouts to prevent Slowloris-style connection holding.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(q, pool, st, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// Stop triggers before drain: the scheduler stops enqueuing, then the
	// pool stops claiming and waits for in-flight handlers.
	sched.Stop()
	if err := pool.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newDBPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	q := newQueue(cfg, st)

	pool, err := newWorkerPool(cfg, st, q)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	sched := newScheduler(cfg, st, q)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	slog.Info("worker started", "concurrency", cfg.WorkerConcurrency)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()
	sched.Stop()
	if err := pool.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── wiring ────────────────────────────────────────────────────────────────────

func newQueue(cfg *config.Config, st *store.Store) *queue.Service {
	return queue.New(st, queue.Config{
		DefaultPriority:    cfg.QueueDefaultPriority,
		DefaultMaxAttempts: cfg.QueueDefaultMaxAttempts,
		RetryDelay:         cfg.QueueRetryDelay,
		Breaker: queue.BreakerConfig{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			ResetTimeout:      cfg.BreakerResetTimeout,
			HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
		},
	}, slog.Default())
}

// newWorkerPool registers every handler this binary ships and wraps them in
// a pool. generate-predictions and prediction-compare handlers are deployed
// separately; jobs of those categories dead-letter here unless registered.
func newWorkerPool(cfg *config.Config, st *store.Store, q *queue.Service) (*worker.Pool, error) {
	registry := worker.NewRegistry()

	fetcher := feed.NewFetcher(nil, cfg.FeedRequestsPerSecond, cfg.FeedUserAgent)
	registry.MustRegister(feed.NewFetchHandler(st, fetcher, q, slog.Default()))
	registry.MustRegister(feed.NewProcessHandler(st, slog.Default()))

	ai, err := analysis.NewClient(analysis.ClientConfig{
		BaseURL: cfg.OllamaBaseURL,
		Model:   cfg.OllamaModel,
		Timeout: cfg.OllamaTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis client: %w", err)
	}
	registry.MustRegister(analysis.NewHandler(
		st, ai, q.CircuitBreaker(queue.CategoryDailyAnalysis), slog.Default()))

	registry.MustRegister(worker.NewHandlerFunc(queue.CategoryQueueCleanup,
		func(ctx context.Context, _ json.RawMessage) error {
			_, err := q.CleanupOldJobs(ctx, cfg.QueueRetentionDays)
			return err
		}))

	return worker.NewPool(q, registry, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	}, slog.Default()), nil
}

// newScheduler wires the periodic triggers: feed dispatch, analysis
// dispatch, daily cleanup, and (when enabled) stale-job recovery.
func newScheduler(cfg *config.Config, st *store.Store, q *queue.Service) *worker.Scheduler {
	sched := worker.NewScheduler(slog.Default())

	sched.Add(worker.Task{
		Name:     "feed-dispatch",
		Interval: cfg.FeedDispatchInterval,
		Run: func(ctx context.Context) error {
			sources, err := st.ListDueFeedSources(ctx)
			if err != nil {
				return err
			}
			jobs := make([]queue.BatchJob, len(sources))
			for i, src := range sources {
				jobs[i] = queue.BatchJob{
					Category: queue.CategoryFeedFetch,
					Payload:  map[string]any{"sourceId": src.ID},
					Options:  queue.EnqueueOptions{Priority: 3},
				}
			}
			q.EnqueueBatch(ctx, jobs)
			return nil
		},
	})

	sched.Add(worker.Task{
		Name:     "analysis-dispatch",
		Interval: cfg.AnalysisDispatchInterval,
		Run: func(ctx context.Context) error {
			n, err := st.CountProcessedSince(ctx, time.Now().Add(-cfg.AnalysisDispatchInterval))
			if err != nil {
				return err
			}
			if n < cfg.AnalysisMinNewContent {
				slog.Debug("analysis dispatch skipped, not enough new content",
					"new_content", n, "required", cfg.AnalysisMinNewContent)
				return nil
			}
			_, err = q.Enqueue(ctx, queue.CategoryDailyAnalysis,
				map[string]any{"date": time.Now().Format("2006-01-02")},
				queue.EnqueueOptions{})
			return err
		},
	})

	sched.AddDaily(worker.DailyTask{
		Name: "queue-cleanup",
		Hour: cfg.CleanupHour,
		Run: func(ctx context.Context) error {
			_, err := q.Enqueue(ctx, queue.CategoryQueueCleanup, nil,
				queue.EnqueueOptions{Priority: 9})
			return err
		},
	})

	if cfg.StaleJobThreshold > 0 {
		sched.Add(worker.Task{
			Name:     "stale-job-recovery",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				n, err := q.RecoverStaleJobs(ctx, cfg.StaleJobThreshold)
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("reclaimed stale jobs", "count", n)
				}
				return nil
			},
		})
	}

	return sched
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newDBPool creates and validates a pgxpool, retrying with linear backoff
// to ride out the compose-startup race where Postgres is not yet ready.
func newDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				return db, nil
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		// time.NewTimer (not time.After) so the timer is released if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
