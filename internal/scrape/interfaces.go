package scrape

import (
	"context"
	"time"
)

// TaskStore persists tasks and implements the atomic claim.
type TaskStore interface {
	// ClaimNext atomically selects one eligible task (pending or errored with
	// elapsed retry_after, captcha with resume requested, or captcha past the
	// TTL) and moves it to processing in the same operation. The returned task
	// carries its pre-claim captcha fields so the caller can tell the shapes
	// apart. Returns ErrNoTask when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time, captchaTTL time.Duration) (*Task, error)
	// Persist writes back all mutable fields of the task.
	Persist(ctx context.Context, task *Task) error
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// RequestResume flips resume_requested on a captcha-status row only; any
	// other status returns ErrNotResumable.
	RequestResume(ctx context.Context, id string) error
}

// BreakerStore persists per-upstream circuit breaker state.
type BreakerStore interface {
	Load(ctx context.Context, apiName string) (BreakerState, error)
	Save(ctx context.Context, state BreakerState) error
}

// Extractor pulls listing data out of a page using a live browser session.
// A captcha challenge is reported through Extraction.Captcha, not as an error.
type Extractor interface {
	Extract(ctx context.Context, url string, session *Session) (Extraction, error)
}

// SessionManager owns browser session lifecycles.
type SessionManager interface {
	Open(ctx context.Context) (*Session, error)
	// Close tears the session down best-effort; it never fails.
	Close(session *Session)
}

// SessionRegistry holds parked sessions for later retrieval within the same
// process. Parked sessions do not survive a restart; a miss means the session
// is lost, not that the caller should retry.
type SessionRegistry interface {
	Park(session *Session) string
	Get(sessionID string) (*Session, bool)
	Remove(sessionID string) (*Session, bool)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob naming and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
