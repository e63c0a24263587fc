package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/store"
)

// promptContentLimit caps how many items feed one day's prompt.
const promptContentLimit = 50

// Store is the persistence surface the analysis handler needs.
// *store.Store satisfies it.
type Store interface {
	ListProcessedContent(ctx context.Context, day time.Time, limit int) ([]store.ContentItem, error)
	SaveMarketAnalysis(ctx context.Context, a store.MarketAnalysis) (uuid.UUID, error)
}

// Generator produces model output for a prompt. *Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// analysisPayload is the daily-analysis job payload. date is the category's
// dedup key.
type analysisPayload struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// modelResult is the JSON shape the prompt asks the model for.
type modelResult struct {
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Analysis   string  `json:"analysis"`
}

// Handler executes daily-analysis jobs: gather the day's processed content,
// generate a market summary, store it. Generation runs through the
// daily-analysis circuit breaker; while the breaker is open the job is
// released back to the queue without spending an attempt.
type Handler struct {
	store   Store
	ai      Generator
	breaker *queue.CircuitBreaker
	log     *slog.Logger
}

// NewHandler wires a Handler. breaker should come from
// Service.CircuitBreaker(queue.CategoryDailyAnalysis). A nil log uses
// slog.Default.
func NewHandler(st Store, ai Generator, breaker *queue.CircuitBreaker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: st, ai: ai, breaker: breaker, log: log}
}

func (h *Handler) Category() queue.Category { return queue.CategoryDailyAnalysis }

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p analysisPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("daily-analysis: decode payload: %w", err)
	}
	day, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return fmt.Errorf("daily-analysis: bad date %q: %w", p.Date, err)
	}

	items, err := h.store.ListProcessedContent(ctx, day, promptContentLimit)
	if err != nil {
		return fmt.Errorf("daily-analysis %s: %w", p.Date, err)
	}
	if len(items) == 0 {
		h.log.Info("daily-analysis skipped, no processed content", "date", p.Date)
		return nil
	}

	prompt := BuildPrompt(day, items)

	var raw string
	err = h.breaker.Execute(func() error {
		var genErr error
		raw, genErr = h.ai.Generate(ctx, prompt)
		return genErr
	})
	if err != nil {
		// ErrCircuitOpen propagates untouched so the pool releases the job.
		return fmt.Errorf("daily-analysis %s: %w", p.Date, err)
	}

	result := parseResult(raw)
	id, err := h.store.SaveMarketAnalysis(ctx, store.MarketAnalysis{
		AnalysisDate: day,
		Sentiment:    result.Sentiment,
		Confidence:   result.Confidence,
		Content:      result.Analysis,
		ContentCount: len(items),
	})
	if err != nil {
		return fmt.Errorf("daily-analysis %s: %w", p.Date, err)
	}
	h.log.Info("daily analysis stored",
		"date", p.Date, "analysis_id", id,
		"sentiment", result.Sentiment, "content_count", len(items))
	return nil
}

// BuildPrompt renders the market-sentiment prompt for one day's items.
func BuildPrompt(day time.Time, items []store.ContentItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are a financial market analyst. Below are %d news items from %s.
Respond with a single JSON object: {"sentiment": "bullish"|"bearish"|"neutral", "confidence": 0.0-1.0, "analysis": "<2-3 paragraph market summary>"}

`, len(items), day.Format("2006-01-02"))
	for i, it := range items {
		body := it.Body
		if len(body) > 500 {
			body = body[:500]
		}
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", i+1, it.Title, body)
	}
	return sb.String()
}

// parseResult decodes the model's JSON reply, tolerating surrounding prose
// by scanning for the outermost object. A reply that defies parsing is kept
// verbatim as a neutral analysis rather than failing the job.
func parseResult(raw string) modelResult {
	out := modelResult{Sentiment: "neutral", Analysis: raw}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return out
	}
	var parsed modelResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return out
	}
	if parsed.Sentiment == "" {
		parsed.Sentiment = "neutral"
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return parsed
}
