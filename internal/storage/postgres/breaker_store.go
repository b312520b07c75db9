package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// BreakerStore persists circuit breaker state per api_name. One row per
// upstream, upserted on every transition so a restarted worker picks up where
// the last one tripped.
type BreakerStore struct {
	pool  pgxPool
	table string
}

// NewBreakerStoreWithPool constructs a store over an existing pool.
func NewBreakerStoreWithPool(pool pgxPool, table string) (*BreakerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "circuit_breakers"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &BreakerStore{pool: pool, table: table}, nil
}

// Load returns the stored state, or a zero state for an unknown api_name.
func (s *BreakerStore) Load(ctx context.Context, apiName string) (scrape.BreakerState, error) {
	query := fmt.Sprintf(`
SELECT api_name, state, failure_count, success_count, last_failure_time
FROM %s WHERE api_name = $1`, s.table)

	var state scrape.BreakerState
	err := s.pool.QueryRow(ctx, query, apiName).Scan(
		&state.APIName,
		&state.State,
		&state.FailureCount,
		&state.SuccessCount,
		&state.LastFailureTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.BreakerState{APIName: apiName}, nil
		}
		return scrape.BreakerState{}, fmt.Errorf("load breaker state: %w", err)
	}
	return state, nil
}

// Save upserts the state row for its api_name.
func (s *BreakerStore) Save(ctx context.Context, state scrape.BreakerState) error {
	query := fmt.Sprintf(`
INSERT INTO %s (api_name, state, failure_count, success_count, last_failure_time)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (api_name) DO UPDATE SET
	state = EXCLUDED.state,
	failure_count = EXCLUDED.failure_count,
	success_count = EXCLUDED.success_count,
	last_failure_time = EXCLUDED.last_failure_time`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		state.APIName,
		state.State,
		state.FailureCount,
		state.SuccessCount,
		state.LastFailureTime,
	); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}
