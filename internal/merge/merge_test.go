package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placeharvest/pipeline/internal/scrape"
)

func TestMergeNeverOverwritesPopulatedFields(t *testing.T) {
	t.Parallel()

	a := scrape.ParseResult{
		Data:         map[string]any{"title": "Cafe Luna", "address": "", "rating": 4.5},
		Source:       "api",
		QualityScore: 95,
	}
	b := scrape.ParseResult{
		Data:         map[string]any{"title": "CAFE LUNA (html)", "address": "12 Main St", "phone": "+1 555 0100"},
		Source:       "html",
		QualityScore: 70,
	}

	got := Merge(a, b)

	require.Equal(t, "Cafe Luna", got.Data["title"])
	require.Equal(t, "12 Main St", got.Data["address"])
	require.Equal(t, 4.5, got.Data["rating"])
	require.Equal(t, "+1 555 0100", got.Data["phone"])
	require.Equal(t, "api+html", got.Source)
	require.Equal(t, 70, got.QualityScore)
}

func TestMergeZeroValuesArePopulated(t *testing.T) {
	t.Parallel()

	a := scrape.ParseResult{
		Data:         map[string]any{"reviews_count": 0, "open": false},
		Source:       "api",
		QualityScore: 90,
	}
	b := scrape.ParseResult{
		Data:         map[string]any{"reviews_count": 17, "open": true},
		Source:       "html",
		QualityScore: 60,
	}

	got := Merge(a, b)

	require.Equal(t, 0, got.Data["reviews_count"])
	require.Equal(t, false, got.Data["open"])
}

func TestMergeDoesNotFillFromEmptySource(t *testing.T) {
	t.Parallel()

	a := scrape.ParseResult{Data: map[string]any{"address": nil}, Source: "api", QualityScore: 95}
	b := scrape.ParseResult{Data: map[string]any{"address": "", "categories": []string{}}, Source: "html", QualityScore: 80}

	got := Merge(a, b)

	require.True(t, IsEmpty(got.Data["address"]))
	require.True(t, IsEmpty(got.Data["categories"]))
}

func TestMergeAssociativePopulatedSet(t *testing.T) {
	t.Parallel()

	a := scrape.ParseResult{Data: map[string]any{"title": "A"}, Source: "api", QualityScore: 95}
	b := scrape.ParseResult{Data: map[string]any{"title": "B", "address": "addr"}, Source: "html", QualityScore: 70}
	c := scrape.ParseResult{Data: map[string]any{"rating": 3.9, "address": "other"}, Source: "metadata", QualityScore: 60}

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))

	require.Equal(t, left.Data, right.Data)
	require.Equal(t, left.QualityScore, right.QualityScore)
	require.Equal(t, 60, left.QualityScore)
}

func TestMergeAllEmptyInput(t *testing.T) {
	t.Parallel()

	got := MergeAll(nil)
	require.NotNil(t, got.Data)
	require.Empty(t, got.Data)
	require.Empty(t, got.Source)
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"nil", nil, true},
		{"empty string", "", true},
		{"blank-ish string is populated", " ", false},
		{"zero int", 0, false},
		{"false", false, false},
		{"zero float", 0.0, false},
		{"empty slice", []string{}, true},
		{"populated slice", []string{"x"}, false},
		{"empty map", map[string]any{}, true},
		{"populated map", map[string]any{"k": 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsEmpty(tc.value))
		})
	}
}
