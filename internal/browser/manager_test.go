package browser

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// Reads the process-global metric registry, so it stays sequential.
func TestManagerCloseCountsFailedLayers(t *testing.T) {
	m := NewManager(Config{}, fixedClock{}, nil, zap.NewNop())
	before := counterValue(t, "scrape_session_close_failures_total")

	sess := newTestSession("s1", []scrape.CloseLayer{
		{Name: "tab", Close: func() error { return errors.New("target closed") }},
		{Name: "browser", Close: func() error { return nil }},
	})
	m.Close(sess)

	require.Equal(t, before+1, counterValue(t, "scrape_session_close_failures_total"),
		"one failed layer, one count")
}
