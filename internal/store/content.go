package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FeedSource is a monitored news/media feed.
type FeedSource struct {
	ID            uuid.UUID
	Name          string
	URL           string
	Active        bool
	FetchInterval time.Duration
	LastFetchedAt *time.Time
}

// ContentItem is one entry pulled from a feed.
type ContentItem struct {
	ID          uuid.UUID
	SourceID    uuid.UUID
	ExternalID  string
	Title       string
	Body        string
	ContentHash string
	PublishedAt *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// MarketAnalysis is one day's AI-generated market summary.
type MarketAnalysis struct {
	ID           uuid.UUID
	AnalysisDate time.Time
	Sentiment    string
	Confidence   float64
	Content      string
	ContentCount int
	CreatedAt    time.Time
}

// GetFeedSource fetches one source by id. Returns (nil, nil) when absent.
func (s *Store) GetFeedSource(ctx context.Context, id uuid.UUID) (*FeedSource, error) {
	var src FeedSource
	var intervalSeconds float64
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, url, active,
			EXTRACT(EPOCH FROM fetch_interval), last_fetched_at
		FROM feed_sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.URL, &src.Active, &intervalSeconds, &src.LastFetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get feed source %s: %w", id, err)
	}
	src.FetchInterval = time.Duration(intervalSeconds * float64(time.Second))
	return &src, nil
}

// ListDueFeedSources lists active sources whose last fetch is older than
// their own fetch_interval (or that have never been fetched).
func (s *Store) ListDueFeedSources(ctx context.Context) ([]FeedSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, url, active,
			EXTRACT(EPOCH FROM fetch_interval), last_fetched_at
		FROM feed_sources
		WHERE active
		  AND (last_fetched_at IS NULL OR last_fetched_at < now() - fetch_interval)
		ORDER BY last_fetched_at NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("list due feed sources: %w", err)
	}
	defer rows.Close()

	var out []FeedSource
	for rows.Next() {
		var src FeedSource
		var intervalSeconds float64
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.Active,
			&intervalSeconds, &src.LastFetchedAt); err != nil {
			return nil, fmt.Errorf("list due feed sources: scan: %w", err)
		}
		src.FetchInterval = time.Duration(intervalSeconds * float64(time.Second))
		out = append(out, src)
	}
	return out, rows.Err()
}

// MarkSourceFetched stamps a source's last_fetched_at.
func (s *Store) MarkSourceFetched(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE feed_sources SET last_fetched_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark source fetched %s: %w", id, err)
	}
	return nil
}

// InsertContentItem inserts a feed item if (source_id, external_id) is new.
// Returns the item id and whether a row was inserted; re-fetching a feed is
// harmlessly idempotent.
func (s *Store) InsertContentItem(ctx context.Context, item ContentItem) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO content_items (source_id, external_id, title, body, published_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, external_id) DO NOTHING
		RETURNING id`,
		item.SourceID, item.ExternalID, item.Title, item.Body, item.PublishedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict path: fetch the existing row's id.
			err = s.pool.QueryRow(ctx, `
				SELECT id FROM content_items
				WHERE source_id = $1 AND external_id = $2`,
				item.SourceID, item.ExternalID,
			).Scan(&id)
			if err != nil {
				return uuid.Nil, false, fmt.Errorf("insert content item: lookup existing: %w", err)
			}
			return id, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("insert content item: %w", err)
	}
	return id, true, nil
}

// GetContentItem fetches one item by id. Returns (nil, nil) when absent.
func (s *Store) GetContentItem(ctx context.Context, id uuid.UUID) (*ContentItem, error) {
	var it ContentItem
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, external_id, title, body,
			COALESCE(content_hash, ''), published_at, processed_at, created_at
		FROM content_items WHERE id = $1`, id,
	).Scan(&it.ID, &it.SourceID, &it.ExternalID, &it.Title, &it.Body,
		&it.ContentHash, &it.PublishedAt, &it.ProcessedAt, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get content item %s: %w", id, err)
	}
	return &it, nil
}

// MarkContentProcessed records the enrichment result for an item.
func (s *Store) MarkContentProcessed(ctx context.Context, id uuid.UUID, body, contentHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET body = $2, content_hash = $3, processed_at = now()
		WHERE id = $1`, id, body, contentHash)
	if err != nil {
		return fmt.Errorf("mark content processed %s: %w", id, err)
	}
	return nil
}

// CountProcessedSince counts items processed after the given time. The
// analysis dispatcher uses this to decide whether a day's analysis is worth
// enqueuing.
func (s *Store) CountProcessedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM content_items WHERE processed_at > $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed since: %w", err)
	}
	return n, nil
}

// ListProcessedContent lists items processed on the given calendar day,
// newest first, capped at limit.
func (s *Store) ListProcessedContent(ctx context.Context, day time.Time, limit int) ([]ContentItem, error) {
	sql, args, err := psql.Select(
		"id", "source_id", "external_id", "title", "body",
		"COALESCE(content_hash, '')", "published_at", "processed_at", "created_at").
		From("content_items").
		Where("processed_at >= ?", day.Truncate(24*time.Hour)).
		Where("processed_at < ?", day.Truncate(24*time.Hour).AddDate(0, 0, 1)).
		OrderBy("processed_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list processed content: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list processed content: %w", err)
	}
	defer rows.Close()

	var out []ContentItem
	for rows.Next() {
		var it ContentItem
		if err := rows.Scan(&it.ID, &it.SourceID, &it.ExternalID, &it.Title, &it.Body,
			&it.ContentHash, &it.PublishedAt, &it.ProcessedAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("list processed content: scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SaveMarketAnalysis upserts the analysis for its date. Re-running a day's
// analysis job overwrites the previous result.
func (s *Store) SaveMarketAnalysis(ctx context.Context, a MarketAnalysis) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO market_analyses (analysis_date, sentiment, confidence, content, content_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (analysis_date) DO UPDATE SET
			sentiment = EXCLUDED.sentiment,
			confidence = EXCLUDED.confidence,
			content = EXCLUDED.content,
			content_count = EXCLUDED.content_count
		RETURNING id`,
		a.AnalysisDate, a.Sentiment, a.Confidence, a.Content, a.ContentCount,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save market analysis: %w", err)
	}
	return id, nil
}
