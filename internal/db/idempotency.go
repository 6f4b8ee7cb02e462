package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultIdempotencyTTL is how long a stored command result shadows
// replays of the same key.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore persists command results keyed by (scope, key) so a
// replayed command returns its original result instead of running
// twice. First writer wins on concurrent duplicates.
type IdempotencyStore struct {
	db  *DB
	ttl time.Duration
}

func NewIdempotencyStore(db *DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{db: db, ttl: ttl}
}

// Get returns the stored result for key within scope, or (nil, nil)
// when no live entry exists. Expiry is enforced at read time; expired
// rows are treated as absent and left for the sweeper.
func (s *IdempotencyStore) Get(ctx context.Context, scope, key string, now time.Time) (json.RawMessage, error) {
	query := `
		SELECT result
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2 AND expires_at > $3
	`
	var result json.RawMessage
	err := s.db.Querier(ctx).QueryRow(ctx, query, scope, key, now).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return result, nil
}

// Put stores result under (scope, key). On a concurrent duplicate the
// first writer's row survives and Put reports false; callers inside a
// transaction then roll back their side effects and re-read.
func (s *IdempotencyStore) Put(ctx context.Context, scope, key string, result json.RawMessage, now time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (scope, key, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key) DO NOTHING
	`
	tag, err := s.db.Querier(ctx).Exec(ctx, query, scope, key, result, now, now.Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("put idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired removes entries whose TTL has lapsed. Run periodically;
// correctness does not depend on it because Get filters by expires_at.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Querier(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
