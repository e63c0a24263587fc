// ABOUTME: Integration tests for store/content.go — feed sources, content items, analyses.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/store"
	"github.com/scsilverstein/silver-fin-monitor-sub002/internal/testutil"
)

func mustCreateSource(t *testing.T, s *store.Store, ctx context.Context, name string, fetchInterval string, active bool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := s.Pool().QueryRow(ctx, `
		INSERT INTO feed_sources (name, url, active, fetch_interval)
		VALUES ($1, $2, $3, $4::interval)
		RETURNING id`,
		name, "https://example.com/"+name+".xml", active, fetchInterval,
	).Scan(&id)
	if err != nil {
		t.Fatalf("create source %q: %v", name, err)
	}
	return id
}

func TestGetFeedSource(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustCreateSource(t, s, ctx, "market-wire", "4 hours", true)

	src, err := s.GetFeedSource(ctx, id)
	if err != nil {
		t.Fatalf("GetFeedSource: %v", err)
	}
	if src == nil {
		t.Fatal("GetFeedSource returned nil for an existing source")
	}
	if src.Name != "market-wire" || !src.Active {
		t.Errorf("source = %+v", src)
	}
	if src.FetchInterval != 4*time.Hour {
		t.Errorf("fetch_interval = %s, want 4h", src.FetchInterval)
	}
	if src.LastFetchedAt != nil {
		t.Errorf("last_fetched_at = %v, want nil for a never-fetched source", src.LastFetchedAt)
	}

	missing, err := s.GetFeedSource(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetFeedSource (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for an unknown id, got %+v", missing)
	}
}

func TestListDueFeedSources(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	never := mustCreateSource(t, s, ctx, "never-fetched", "1 hour", true)
	overdue := mustCreateSource(t, s, ctx, "overdue", "1 hour", true)
	fresh := mustCreateSource(t, s, ctx, "fresh", "1 hour", true)
	mustCreateSource(t, s, ctx, "inactive", "1 hour", false)

	if _, err := s.Pool().Exec(ctx, `
		UPDATE feed_sources SET last_fetched_at = now() - interval '2 hours'
		WHERE id = $1`, overdue); err != nil {
		t.Fatalf("backdate overdue: %v", err)
	}
	if err := s.MarkSourceFetched(ctx, fresh); err != nil {
		t.Fatalf("MarkSourceFetched: %v", err)
	}

	due, err := s.ListDueFeedSources(ctx)
	if err != nil {
		t.Fatalf("ListDueFeedSources: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due sources, want 2", len(due))
	}
	// Never-fetched sources sort first.
	if due[0].ID != never || due[1].ID != overdue {
		t.Errorf("due order = [%s %s], want [%s %s]", due[0].ID, due[1].ID, never, overdue)
	}
}

func TestInsertContentItemIdempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	srcID := mustCreateSource(t, s, ctx, "wire", "1 hour", true)
	item := store.ContentItem{
		SourceID:   srcID,
		ExternalID: "mw-1001",
		Title:      "Fed holds rates steady",
		Body:       "<p>body</p>",
	}

	id1, inserted, err := s.InsertContentItem(ctx, item)
	if err != nil {
		t.Fatalf("InsertContentItem (first): %v", err)
	}
	if !inserted {
		t.Error("first insert reported as duplicate")
	}

	id2, inserted, err := s.InsertContentItem(ctx, item)
	if err != nil {
		t.Fatalf("InsertContentItem (second): %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported as new")
	}
	if id1 != id2 {
		t.Errorf("duplicate returned id %s, want the original %s", id2, id1)
	}

	// Same external id under a different source is a distinct item.
	otherSrc := mustCreateSource(t, s, ctx, "other", "1 hour", true)
	item.SourceID = otherSrc
	id3, inserted, err := s.InsertContentItem(ctx, item)
	if err != nil {
		t.Fatalf("InsertContentItem (other source): %v", err)
	}
	if !inserted || id3 == id1 {
		t.Errorf("cross-source insert: inserted=%v id=%s", inserted, id3)
	}
}

func TestMarkContentProcessedAndCount(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	srcID := mustCreateSource(t, s, ctx, "wire", "1 hour", true)
	id, _, err := s.InsertContentItem(ctx, store.ContentItem{
		SourceID: srcID, ExternalID: "e-1", Title: "t", Body: "<p>raw</p>",
	})
	if err != nil {
		t.Fatalf("InsertContentItem: %v", err)
	}

	before, err := s.CountProcessedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountProcessedSince: %v", err)
	}
	if before != 0 {
		t.Errorf("count before processing = %d, want 0", before)
	}

	if err := s.MarkContentProcessed(ctx, id, "raw", "deadbeef"); err != nil {
		t.Fatalf("MarkContentProcessed: %v", err)
	}

	item, err := s.GetContentItem(ctx, id)
	if err != nil {
		t.Fatalf("GetContentItem: %v", err)
	}
	if item.Body != "raw" || item.ContentHash != "deadbeef" || item.ProcessedAt == nil {
		t.Errorf("processed item = %+v", item)
	}

	after, err := s.CountProcessedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountProcessedSince: %v", err)
	}
	if after != 1 {
		t.Errorf("count after processing = %d, want 1", after)
	}
}

func TestListProcessedContentWindowsByDay(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	srcID := mustCreateSource(t, s, ctx, "wire", "1 hour", true)
	mkProcessed := func(externalID, processedAt string) uuid.UUID {
		id, _, err := s.InsertContentItem(ctx, store.ContentItem{
			SourceID: srcID, ExternalID: externalID, Title: externalID, Body: "b",
		})
		if err != nil {
			t.Fatalf("InsertContentItem: %v", err)
		}
		if _, err := s.Pool().Exec(ctx,
			`UPDATE content_items SET processed_at = $2 WHERE id = $1`,
			id, processedAt); err != nil {
			t.Fatalf("set processed_at: %v", err)
		}
		return id
	}
	today1 := mkProcessed("e-1", "2024-01-15 09:00:00+00")
	today2 := mkProcessed("e-2", "2024-01-15 16:00:00+00")
	mkProcessed("e-3", "2024-01-14 23:59:00+00")
	mkProcessed("e-4", "2024-01-16 00:01:00+00")

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	items, err := s.ListProcessedContent(ctx, day, 50)
	if err != nil {
		t.Fatalf("ListProcessedContent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	// Newest first.
	if items[0].ID != today2 || items[1].ID != today1 {
		t.Errorf("order = [%s %s], want [%s %s]", items[0].ID, items[1].ID, today2, today1)
	}

	limited, err := s.ListProcessedContent(ctx, day, 1)
	if err != nil {
		t.Fatalf("ListProcessedContent (limit): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != today2 {
		t.Errorf("limited list = %v", limited)
	}
}

func TestSaveMarketAnalysisUpserts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	id1, err := s.SaveMarketAnalysis(ctx, store.MarketAnalysis{
		AnalysisDate: day, Sentiment: "neutral", Confidence: 0.4,
		Content: "first pass", ContentCount: 3,
	})
	if err != nil {
		t.Fatalf("SaveMarketAnalysis (first): %v", err)
	}

	id2, err := s.SaveMarketAnalysis(ctx, store.MarketAnalysis{
		AnalysisDate: day, Sentiment: "bullish", Confidence: 0.8,
		Content: "second pass", ContentCount: 7,
	})
	if err != nil {
		t.Fatalf("SaveMarketAnalysis (second): %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a new row: %s vs %s", id1, id2)
	}

	var sentiment, content string
	var confidence float64
	var count int
	err = s.Pool().QueryRow(ctx, `
		SELECT sentiment, confidence, content, content_count
		FROM market_analyses WHERE analysis_date = $1`, day,
	).Scan(&sentiment, &confidence, &content, &count)
	if err != nil {
		t.Fatalf("read back analysis: %v", err)
	}
	if sentiment != "bullish" || confidence != 0.8 || content != "second pass" || count != 7 {
		t.Errorf("row = %s %.2f %q %d, want the second write", sentiment, confidence, content, count)
	}

	var rows int
	if err := s.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM market_analyses`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Errorf("market_analyses has %d rows, want 1", rows)
	}
}
