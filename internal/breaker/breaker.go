// Package breaker implements a persisted per-upstream circuit breaker.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// Breaker states persisted per api_name.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config holds the trip threshold and cool-down window. Both are
// configuration, never hard-coded call sites.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker gates requests per named upstream API. State lives in a
// BreakerStore so a restart does not silently re-close a breaker that was
// protecting a rate-limited upstream. Mutations are serialized per api_name.
type Breaker struct {
	store  scrape.BreakerStore
	clock  scrape.Clock
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Breaker over the given store.
func New(store scrape.BreakerStore, clock scrape.Clock, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Allow reports whether a request to apiName may proceed. An open breaker past
// its cool-down moves to half_open and lets one trial request through.
func (b *Breaker) Allow(ctx context.Context, apiName string) (bool, error) {
	unlock := b.lock(apiName)
	defer unlock()

	state, err := b.load(ctx, apiName)
	if err != nil {
		return false, err
	}

	switch state.State {
	case StateOpen:
		if state.LastFailureTime != nil && b.clock.Now().Sub(*state.LastFailureTime) >= b.cfg.Cooldown {
			state.State = StateHalfOpen
			if err := b.store.Save(ctx, state); err != nil {
				return false, fmt.Errorf("save breaker state: %w", err)
			}
			b.logger.Info("breaker half-open", zap.String("api", apiName))
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

// RecordSuccess notes a successful call. A half-open trial success closes the
// breaker and resets the counters.
func (b *Breaker) RecordSuccess(ctx context.Context, apiName string) error {
	unlock := b.lock(apiName)
	defer unlock()

	state, err := b.load(ctx, apiName)
	if err != nil {
		return err
	}

	state.SuccessCount++
	if state.State == StateHalfOpen || state.State == StateOpen {
		b.logger.Info("breaker closed", zap.String("api", apiName))
	}
	state.State = StateClosed
	state.FailureCount = 0
	state.LastFailureTime = nil

	if err := b.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// RecordFailure notes a failed call. A half-open trial failure reopens the
// breaker and restarts the cool-down clock; N consecutive closed-state
// failures trip it.
func (b *Breaker) RecordFailure(ctx context.Context, apiName string) error {
	unlock := b.lock(apiName)
	defer unlock()

	state, err := b.load(ctx, apiName)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	state.FailureCount++
	state.LastFailureTime = &now

	switch {
	case state.State == StateHalfOpen:
		state.State = StateOpen
		b.logger.Warn("breaker reopened after failed trial", zap.String("api", apiName))
	case state.State == StateClosed && state.FailureCount >= b.cfg.FailureThreshold:
		state.State = StateOpen
		b.logger.Warn("breaker opened",
			zap.String("api", apiName),
			zap.Int("failures", state.FailureCount),
		)
	}

	if err := b.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// State returns the current persisted state for apiName.
func (b *Breaker) State(ctx context.Context, apiName string) (scrape.BreakerState, error) {
	unlock := b.lock(apiName)
	defer unlock()
	return b.load(ctx, apiName)
}

// Cooldown exposes the configured cool-down window so callers can schedule
// deferred work past it.
func (b *Breaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

func (b *Breaker) load(ctx context.Context, apiName string) (scrape.BreakerState, error) {
	state, err := b.store.Load(ctx, apiName)
	if err != nil {
		return scrape.BreakerState{}, fmt.Errorf("load breaker state: %w", err)
	}
	if state.APIName == "" {
		state.APIName = apiName
	}
	if state.State == "" {
		state.State = StateClosed
	}
	return state, nil
}

// lock serializes mutations per api_name: a narrow critical section, not a
// whole-table lock.
func (b *Breaker) lock(apiName string) func() {
	b.mu.Lock()
	l, ok := b.locks[apiName]
	if !ok {
		l = &sync.Mutex{}
		b.locks[apiName] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}
