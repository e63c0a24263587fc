// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Job queue ────────────────────────────────────────────────────────────────
	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY"         envDefault:"5"`
	WorkerPollInterval      time.Duration `env:"WORKER_POLL_INTERVAL"       envDefault:"1s"`
	QueueRetentionDays      int           `env:"QUEUE_RETENTION_DAYS"       envDefault:"30"`
	QueueDefaultMaxAttempts int           `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	QueueDefaultPriority    int           `env:"QUEUE_DEFAULT_PRIORITY"     envDefault:"5"`
	QueueRetryDelay         time.Duration `env:"QUEUE_RETRY_DELAY"          envDefault:"30s"`
	// StaleJobThreshold is the started_at age at which a 'processing' row is
	// considered stuck. Zero disables the recovery task entirely — stuck-job
	// recovery is out-of-band, not part of normal processing.
	StaleJobThreshold time.Duration `env:"STALE_JOB_THRESHOLD" envDefault:"0"`

	// ── Circuit breaker ──────────────────────────────────────────────────────────
	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD"   envDefault:"5"`
	BreakerResetTimeout      time.Duration `env:"BREAKER_RESET_TIMEOUT"       envDefault:"60s"`
	BreakerHalfOpenSuccesses int           `env:"BREAKER_HALF_OPEN_SUCCESSES" envDefault:"1"`

	// ── Feeds ────────────────────────────────────────────────────────────────────
	FeedDispatchInterval time.Duration `env:"FEED_DISPATCH_INTERVAL" envDefault:"4h"`
	FeedUserAgent        string        `env:"FEED_USER_AGENT"        envDefault:"silver-fin-monitor/1.0"`
	// FeedRequestsPerSecond rate-limits outbound feed fetches per process.
	FeedRequestsPerSecond float64 `env:"FEED_REQUESTS_PER_SECOND" envDefault:"2"`

	// ── Analysis ─────────────────────────────────────────────────────────────────
	AnalysisDispatchInterval time.Duration `env:"ANALYSIS_DISPATCH_INTERVAL" envDefault:"4h"`
	// AnalysisMinNewContent is the number of newly processed items required
	// before a daily-analysis job is worth enqueuing.
	AnalysisMinNewContent int           `env:"ANALYSIS_MIN_NEW_CONTENT" envDefault:"5"`
	OllamaBaseURL         string        `env:"OLLAMA_BASE_URL"          envDefault:"http://localhost:11434"`
	OllamaModel           string        `env:"OLLAMA_MODEL"             envDefault:"llama3.1"`
	OllamaTimeout         time.Duration `env:"OLLAMA_TIMEOUT"           envDefault:"120s"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	// CleanupHour is the local hour at which the daily queue-cleanup job is
	// enqueued.
	CleanupHour int `env:"CLEANUP_HOUR" envDefault:"3"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
