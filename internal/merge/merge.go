// Package merge combines and scores ParseResults from multiple extraction sources.
package merge

import (
	"reflect"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// Merge combines two ParseResults field by field. Populated fields of a win;
// gaps are filled from b. The merged quality is the min of both inputs (a
// merge can only add completeness, never confidence) and source tags are
// concatenated with "+".
func Merge(a, b scrape.ParseResult) scrape.ParseResult {
	out := scrape.ParseResult{
		Data:         make(map[string]any, len(a.Data)+len(b.Data)),
		Source:       joinSources(a.Source, b.Source),
		QualityScore: minQuality(a.QualityScore, b.QualityScore),
	}
	for k, v := range a.Data {
		out.Data[k] = v
	}
	for k, v := range b.Data {
		if existing, ok := out.Data[k]; ok && !IsEmpty(existing) {
			continue
		}
		if IsEmpty(v) {
			continue
		}
		out.Data[k] = v
	}
	return out
}

// MergeAll folds a slice of results left to right. An empty slice yields a
// zero-source result with an empty data map.
func MergeAll(results []scrape.ParseResult) scrape.ParseResult {
	if len(results) == 0 {
		return scrape.ParseResult{Data: map[string]any{}}
	}
	out := results[0]
	for _, r := range results[1:] {
		out = Merge(out, r)
	}
	return out
}

// IsEmpty reports whether a field value counts as absent. Only nil, empty
// strings and empty collections are absent; 0 and false are legitimate values
// (ratings and review counts take zero).
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func joinSources(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "+" + b
	}
}

func minQuality(a, b int) int {
	if a < b {
		return a
	}
	return b
}
