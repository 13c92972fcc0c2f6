package shared

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SequenceAllocator hands out gapless per-scope integers backed by a
// transactional counter row, replacing timestamp-derived document numbers
// that collide under concurrent creation.
type SequenceAllocator struct {
	pool *pgxpool.Pool
}

// NewSequenceAllocator constructs the allocator.
func NewSequenceAllocator(pool *pgxpool.Pool) *SequenceAllocator {
	return &SequenceAllocator{pool: pool}
}

// NextValue atomically increments and returns the counter for scopeKey.
// The first call for a scope returns 1.
func (a *SequenceAllocator) NextValue(ctx context.Context, scopeKey string) (int64, error) {
	if a == nil {
		return 0, errors.New("sequence allocator not initialised")
	}
	if scopeKey == "" {
		return 0, errors.New("sequence scope key required")
	}
	var value int64
	err := a.pool.QueryRow(ctx, `INSERT INTO sequence_counters (scope_key, value)
VALUES ($1, 1)
ON CONFLICT (scope_key) DO UPDATE SET value = sequence_counters.value + 1
RETURNING value`, scopeKey).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}
