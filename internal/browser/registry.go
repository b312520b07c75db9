package browser

import (
	"sync"

	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// Registry holds parked sessions keyed by session id. It is deliberately an
// injected object rather than a package global: parked sessions are
// process-local, and separate orchestrators must be able to own separate
// registries.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*scrape.Session
	logger   *zap.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*scrape.Session),
		logger:   logger,
	}
}

// Park registers a live session for later retrieval and returns its id.
func (r *Registry) Park(session *scrape.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	session.KeepOpen = true
	r.sessions[session.ID] = session
	r.logger.Debug("session parked", zap.String("session_id", session.ID))
	return session.ID
}

// Get looks up a parked session. A miss means the session was never parked in
// this process (e.g. after a restart) and callers must treat it as lost.
func (r *Registry) Get(sessionID string) (*scrape.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// Remove unparks and returns the session, if present.
func (r *Registry) Remove(sessionID string) (*scrape.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if ok {
		session.KeepOpen = false
		delete(r.sessions, sessionID)
	}
	return session, ok
}

// Len reports the number of parked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain removes and returns every parked session, for shutdown teardown.
func (r *Registry) Drain() []*scrape.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*scrape.Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		session.KeepOpen = false
		out = append(out, session)
		delete(r.sessions, id)
	}
	return out
}
