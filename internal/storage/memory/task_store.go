// Package memory provides store implementations for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// TaskStore is a mutex-guarded in-memory task table with the same claim
// semantics as the Postgres store.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*scrape.Task
}

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*scrape.Task)}
}

// Create inserts a new task row.
func (s *TaskStore) Create(_ context.Context, task *scrape.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// Get returns a copy of the task or scrape.ErrTaskNotFound.
func (s *TaskStore) Get(_ context.Context, id string) (*scrape.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, scrape.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

// Persist writes back all mutable fields.
func (s *TaskStore) Persist(_ context.Context, task *scrape.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return scrape.ErrTaskNotFound
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// RequestResume flips resume_requested on a captcha row only.
func (s *TaskStore) RequestResume(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return scrape.ErrTaskNotFound
	}
	if task.Status != scrape.TaskStatusCaptcha {
		return scrape.ErrNotResumable
	}
	task.ResumeRequested = true
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// ClaimNext selects one eligible task and moves it to processing under the
// store lock, so concurrent claimers can never take the same row. The
// returned task keeps its pre-claim captcha fields.
func (s *TaskStore) ClaimNext(_ context.Context, now time.Time, captchaTTL time.Duration) (*scrape.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.tasks[ids[i]].UpdatedAt.Before(s.tasks[ids[j]].UpdatedAt)
	})

	for _, id := range ids {
		task := s.tasks[id]
		if !eligible(task, now, captchaTTL) {
			continue
		}
		task.Status = scrape.TaskStatusProcessing
		task.UpdatedAt = now
		cp := *task
		return &cp, nil
	}
	return nil, scrape.ErrNoTask
}

func eligible(t *scrape.Task, now time.Time, captchaTTL time.Duration) bool {
	switch t.Status {
	case scrape.TaskStatusPending:
		return t.RetryAfter == nil || !t.RetryAfter.After(now)
	case scrape.TaskStatusError:
		// Errored rows come back once their backoff elapses; an error row
		// without retry_after is terminal.
		return t.RetryAfter != nil && !t.RetryAfter.After(now)
	case scrape.TaskStatusCaptcha:
		if t.ResumeRequested {
			return true
		}
		return t.CaptchaStartedAt != nil && now.Sub(*t.CaptchaStartedAt) > captchaTTL
	default:
		return false
	}
}

// Snapshot returns copies of all rows, for tests.
func (s *TaskStore) Snapshot() []scrape.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}
