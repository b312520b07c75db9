package memory

import (
	"context"
	"sync"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// BreakerStore keeps circuit breaker state in memory, keyed by api_name.
type BreakerStore struct {
	mu     sync.RWMutex
	states map[string]scrape.BreakerState
}

// NewBreakerStore returns an empty BreakerStore.
func NewBreakerStore() *BreakerStore {
	return &BreakerStore{states: make(map[string]scrape.BreakerState)}
}

// Load returns the stored state, or a zero state for an unknown api_name.
func (s *BreakerStore) Load(_ context.Context, apiName string) (scrape.BreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[apiName]
	if !ok {
		return scrape.BreakerState{APIName: apiName}, nil
	}
	return state, nil
}

// Save stores the state, replacing any previous value for its api_name.
func (s *BreakerStore) Save(_ context.Context, state scrape.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.LastFailureTime != nil {
		t := *state.LastFailureTime
		state.LastFailureTime = &t
	}
	s.states[state.APIName] = state
	return nil
}
