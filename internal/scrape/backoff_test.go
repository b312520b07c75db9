package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		d := b.Delay(attempt)
		expected := time.Duration(float64(time.Second) * float64(int(1)<<(attempt-1)))
		if expected > 8*time.Second {
			expected = 8 * time.Second
		}
		require.GreaterOrEqual(t, d, expected/2, "attempt %d", attempt)
		require.LessOrEqual(t, d, expected, "attempt %d", attempt)
	}
}

func TestBackoffDefaultsAndLowAttempts(t *testing.T) {
	t.Parallel()

	b := NewBackoff(0, 0)
	require.Positive(t, b.Delay(0))
	require.Positive(t, b.Delay(-3))
}
