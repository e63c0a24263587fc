package queue

import "encoding/json"

// dedupRules maps a category to its candidate identity keys. Each inner
// slice is one candidate; the first candidate whose fields are all present
// in the payload wins. Categories absent from this table are never
// deduplicated and skip the existence query entirely.
var dedupRules = map[Category][][]string{
	CategoryFeedFetch: {
		{"sourceId"},
	},
	CategoryContentProcess: {
		{"contentId"},
		{"rawFeedId"},
		{"sourceId", "externalId"},
	},
	CategoryDailyAnalysis: {
		{"date"},
	},
	CategoryGeneratePredictions: {
		{"analysisDate"},
		{"date"},
		{"analysisId"},
	},
	CategoryPredictionCompare: {
		{"predictionId"},
	},
}

// dedupMatch extracts the identity fields an equivalent queued job would
// share with payload. The second return is false when the category has no
// dedup rule or the payload carries none of the candidate keys — in either
// case the caller must not run an existence query.
func dedupMatch(category Category, payload json.RawMessage) (map[string]any, bool) {
	candidates, ok := dedupRules[category]
	if !ok {
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		// Non-object payloads carry no identity fields.
		return nil, false
	}

	for _, keys := range candidates {
		match := make(map[string]any, len(keys))
		complete := true
		for _, k := range keys {
			v, present := fields[k]
			if !present || v == nil {
				complete = false
				break
			}
			match[k] = v
		}
		if complete {
			return match, true
		}
	}
	return nil, false
}
