package queue

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDedupMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		category  Category
		payload   string
		wantMatch map[string]any
		wantOK    bool
	}{
		{
			name:      "feed-fetch by sourceId",
			category:  CategoryFeedFetch,
			payload:   `{"sourceId":"src-1","extra":true}`,
			wantMatch: map[string]any{"sourceId": "src-1"},
			wantOK:    true,
		},
		{
			name:     "feed-fetch without sourceId",
			category: CategoryFeedFetch,
			payload:  `{"url":"https://example.com/feed"}`,
			wantOK:   false,
		},
		{
			name:      "content-process prefers contentId",
			category:  CategoryContentProcess,
			payload:   `{"contentId":"c-1","rawFeedId":"r-1","sourceId":"s-1","externalId":"e-1"}`,
			wantMatch: map[string]any{"contentId": "c-1"},
			wantOK:    true,
		},
		{
			name:      "content-process falls back to rawFeedId",
			category:  CategoryContentProcess,
			payload:   `{"rawFeedId":"r-1","sourceId":"s-1"}`,
			wantMatch: map[string]any{"rawFeedId": "r-1"},
			wantOK:    true,
		},
		{
			name:      "content-process falls back to source+external pair",
			category:  CategoryContentProcess,
			payload:   `{"sourceId":"s-1","externalId":"e-1"}`,
			wantMatch: map[string]any{"sourceId": "s-1", "externalId": "e-1"},
			wantOK:    true,
		},
		{
			name:     "content-process pair requires both fields",
			category: CategoryContentProcess,
			payload:  `{"sourceId":"s-1"}`,
			wantOK:   false,
		},
		{
			name:      "daily-analysis by date",
			category:  CategoryDailyAnalysis,
			payload:   `{"date":"2024-01-15"}`,
			wantMatch: map[string]any{"date": "2024-01-15"},
			wantOK:    true,
		},
		{
			name:      "generate-predictions prefers analysisDate",
			category:  CategoryGeneratePredictions,
			payload:   `{"analysisDate":"2024-01-15","analysisId":"a-1"}`,
			wantMatch: map[string]any{"analysisDate": "2024-01-15"},
			wantOK:    true,
		},
		{
			name:      "generate-predictions accepts plain date",
			category:  CategoryGeneratePredictions,
			payload:   `{"date":"2024-01-15"}`,
			wantMatch: map[string]any{"date": "2024-01-15"},
			wantOK:    true,
		},
		{
			name:      "generate-predictions falls back to analysisId",
			category:  CategoryGeneratePredictions,
			payload:   `{"analysisId":"a-1"}`,
			wantMatch: map[string]any{"analysisId": "a-1"},
			wantOK:    true,
		},
		{
			name:      "prediction-compare by predictionId",
			category:  CategoryPredictionCompare,
			payload:   `{"predictionId":"p-1"}`,
			wantMatch: map[string]any{"predictionId": "p-1"},
			wantOK:    true,
		},
		{
			name:     "unknown category has no rule",
			category: "some-custom-job",
			payload:  `{"sourceId":"src-1"}`,
			wantOK:   false,
		},
		{
			name:     "null identity field does not match",
			category: CategoryFeedFetch,
			payload:  `{"sourceId":null}`,
			wantOK:   false,
		},
		{
			name:     "non-object payload",
			category: CategoryFeedFetch,
			payload:  `["src-1"]`,
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := dedupMatch(tt.category, json.RawMessage(tt.payload))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.wantMatch) {
				t.Errorf("match = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}
