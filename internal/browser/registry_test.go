package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

func newTestSession(id string, closers []scrape.CloseLayer) *scrape.Session {
	return scrape.NewSession(id, time.Unix(500, 0).UTC(), context.Background(), closers)
}

func TestRegistryParkGetRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	sess := newTestSession("s1", nil)

	id := r.Park(sess)
	require.Equal(t, "s1", id)
	require.True(t, sess.KeepOpen)
	require.Equal(t, 1, r.Len())

	got, ok := r.Get("s1")
	require.True(t, ok)
	require.Same(t, sess, got)

	removed, ok := r.Remove("s1")
	require.True(t, ok)
	require.Same(t, sess, removed)
	require.False(t, removed.KeepOpen)
	require.Equal(t, 0, r.Len())

	_, ok = r.Get("s1")
	require.False(t, ok, "removed session must not be retrievable")
}

func TestRegistryMissIsNotAnError(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	_, ok := r.Get("never-parked")
	require.False(t, ok)
	_, ok = r.Remove("never-parked")
	require.False(t, ok)
}

func TestRegistryDrain(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	r.Park(newTestSession("a", nil))
	r.Park(newTestSession("b", nil))

	drained := r.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, 0, r.Len())
}

func TestSessionCloseLayersRunOnceInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	sess := newTestSession("s1", []scrape.CloseLayer{
		{Name: "page", Close: func() error { order = append(order, "page"); return errors.New("boom") }},
		{Name: "context", Close: func() error { order = append(order, "context"); return nil }},
		{Name: "browser", Close: func() error { order = append(order, "browser"); return nil }},
	})

	m := NewManager(Config{}, fixedClock{}, nil, zap.NewNop())
	m.Close(sess)
	m.Close(sess)

	require.Equal(t, []string{"page", "context", "browser"}, order,
		"every layer attempted once, most specific first, failures swallowed")
	require.True(t, sess.Closed())
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(0, 0).UTC() }
