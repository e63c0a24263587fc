package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/queue"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/store"
)

// ContentStore is the persistence surface the feed handlers need.
// *store.Store satisfies it.
type ContentStore interface {
	GetFeedSource(ctx context.Context, id uuid.UUID) (*store.FeedSource, error)
	MarkSourceFetched(ctx context.Context, id uuid.UUID) error
	InsertContentItem(ctx context.Context, item store.ContentItem) (uuid.UUID, bool, error)
	GetContentItem(ctx context.Context, id uuid.UUID) (*store.ContentItem, error)
	MarkContentProcessed(ctx context.Context, id uuid.UUID, body, contentHash string) error
}

// Enqueuer is the slice of the queue service the handlers use to chain
// follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, category queue.Category, payload any, opts queue.EnqueueOptions) (uuid.UUID, error)
}

// fetchPayload is the feed-fetch job payload. sourceId doubles as the
// category's dedup key.
type fetchPayload struct {
	SourceID uuid.UUID `json:"sourceId"`
}

// processPayload is the content-process job payload. contentId is the
// primary dedup key; sourceId/externalId ride along for the fallback rule
// and for diagnostics.
type processPayload struct {
	ContentID  uuid.UUID `json:"contentId"`
	SourceID   uuid.UUID `json:"sourceId"`
	ExternalID string    `json:"externalId"`
}

// FetchHandler executes feed-fetch jobs: pull a source's feed and enqueue a
// content-process job per new entry.
type FetchHandler struct {
	store   ContentStore
	fetcher *Fetcher
	q       Enqueuer
	log     *slog.Logger
}

// NewFetchHandler wires a FetchHandler. A nil log uses slog.Default.
func NewFetchHandler(st ContentStore, fetcher *Fetcher, q Enqueuer, log *slog.Logger) *FetchHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FetchHandler{store: st, fetcher: fetcher, q: q, log: log}
}

func (h *FetchHandler) Category() queue.Category { return queue.CategoryFeedFetch }

func (h *FetchHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p fetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("feed-fetch: decode payload: %w", err)
	}

	src, err := h.store.GetFeedSource(ctx, p.SourceID)
	if err != nil {
		return fmt.Errorf("feed-fetch: %w", err)
	}
	if src == nil || !src.Active {
		// Source deleted or disabled since enqueue; retrying cannot help.
		h.log.Warn("feed-fetch skipped, source gone or inactive", "source_id", p.SourceID)
		return nil
	}

	items, err := h.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return fmt.Errorf("feed-fetch %s: %w", src.Name, err)
	}

	var newItems int
	for _, it := range items {
		id, inserted, err := h.store.InsertContentItem(ctx, store.ContentItem{
			SourceID:    src.ID,
			ExternalID:  it.ExternalID,
			Title:       it.Title,
			Body:        it.Body,
			PublishedAt: it.PublishedAt,
		})
		if err != nil {
			return fmt.Errorf("feed-fetch %s: store item: %w", src.Name, err)
		}
		if !inserted {
			continue
		}
		newItems++
		if _, err := h.q.Enqueue(ctx, queue.CategoryContentProcess, processPayload{
			ContentID:  id,
			SourceID:   src.ID,
			ExternalID: it.ExternalID,
		}, queue.EnqueueOptions{}); err != nil {
			// The item row exists; a later fetch round re-enqueues it.
			h.log.Error("enqueue content-process failed",
				"content_id", id, "source_id", src.ID, "error", err)
		}
	}

	if err := h.store.MarkSourceFetched(ctx, src.ID); err != nil {
		return fmt.Errorf("feed-fetch %s: %w", src.Name, err)
	}
	h.log.Info("feed fetched",
		"source", src.Name, "items", len(items), "new_items", newItems)
	return nil
}

// ProcessHandler executes content-process jobs: strip markup, compute the
// content hash, and stamp the item processed. Idempotent — an already
// processed item is a no-op.
type ProcessHandler struct {
	store ContentStore
	log   *slog.Logger
}

// NewProcessHandler wires a ProcessHandler. A nil log uses slog.Default.
func NewProcessHandler(st ContentStore, log *slog.Logger) *ProcessHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessHandler{store: st, log: log}
}

func (h *ProcessHandler) Category() queue.Category { return queue.CategoryContentProcess }

func (h *ProcessHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p processPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("content-process: decode payload: %w", err)
	}
	if p.ContentID == uuid.Nil {
		return fmt.Errorf("content-process: payload missing contentId")
	}

	item, err := h.store.GetContentItem(ctx, p.ContentID)
	if err != nil {
		return fmt.Errorf("content-process: %w", err)
	}
	if item == nil {
		return fmt.Errorf("content-process: content item %s not found", p.ContentID)
	}
	if item.ProcessedAt != nil {
		return nil
	}

	body := StripMarkup(item.Body)
	hash := ContentHash(item.Title, body)
	if err := h.store.MarkContentProcessed(ctx, item.ID, body, hash); err != nil {
		return fmt.Errorf("content-process: %w", err)
	}
	h.log.Debug("content processed", "content_id", item.ID, "hash", hash)
	return nil
}
