package scrape

import (
	"context"
	"time"
)

// CloseLayer is one teardown step of a browser session, most specific first
// (page before context before browser before driver).
type CloseLayer struct {
	Name  string
	Close func() error
}

// Session is a live browser automation handle. The chromedp tab context is
// exposed so extractors can run actions against it; the close layers are the
// manager's business. Sessions are never persisted, only their ID is.
type Session struct {
	ID        string
	CreatedAt time.Time
	KeepOpen  bool

	// Ctx is the live tab context. Valid until the session is closed.
	Ctx context.Context

	closers []CloseLayer
	closed  bool
}

// NewSession builds a Session over a live tab context and its teardown chain.
func NewSession(id string, createdAt time.Time, ctx context.Context, closers []CloseLayer) *Session {
	return &Session{
		ID:        id,
		CreatedAt: createdAt,
		Ctx:       ctx,
		closers:   closers,
	}
}

// CloseLayers hands each teardown step to fn in order, exactly once. Every
// layer is always attempted; fn decides what to do with individual failures.
func (s *Session) CloseLayers(fn func(layer CloseLayer)) {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	for _, layer := range s.closers {
		fn(layer)
	}
}

// Closed reports whether the teardown chain has already run.
func (s *Session) Closed() bool {
	return s != nil && s.closed
}
