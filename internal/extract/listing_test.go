package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placeharvest/pipeline/internal/scrape"
)

func TestFilterByQuality(t *testing.T) {
	t.Parallel()

	results := []scrape.ParseResult{
		{Source: SourceAPI, QualityScore: qualityAPI},
		{Source: SourceHTML, QualityScore: qualityHTML},
		{Source: SourceMetadata, QualityScore: qualityMetadata},
		{Source: SourceProbe, QualityScore: qualityProbe},
	}

	kept := filterByQuality(results, qualityHTML)
	require.Len(t, kept, 2)
	require.Equal(t, SourceAPI, kept[0].Source)
	require.Equal(t, SourceHTML, kept[1].Source, "floor is inclusive")

	require.Len(t, filterByQuality(results, 0), 4, "zero floor keeps everything")
	require.Empty(t, filterByQuality(results, 100))
}
