package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/domain"
)

// Outbox lock staleness: a claim older than this belongs to a crashed
// worker and may be taken over.
const outboxLockStaleness = 60 * time.Second

// DefaultMaxPublishAttempts is how many failed publishes a row survives
// before it is dead-lettered and stops being claimed.
const DefaultMaxPublishAttempts = 25

// OutboxRow is one durable event awaiting publication. Rows are
// append-only: published_at is set exactly once and rows are never
// deleted on success.
type OutboxRow struct {
	ID            int64
	EventID       uuid.UUID
	EventType     string
	CorrelationID uuid.UUID
	Payload       []byte
	OccurredAt    time.Time
	AvailableAt   time.Time
	Attempts      int
	LockedAt      *time.Time
	LockToken     *string
	LastError     *string
	PublishedAt   *time.Time
	DeadAt        *time.Time
}

// OutboxStore is the durable event queue written in the same
// transaction as the aggregate change that produced the events, and
// drained by competing dispatcher workers through a claim/lock/staleness
// protocol.
type OutboxStore struct {
	db                 *DB
	logger             *zap.Logger
	maxPublishAttempts int
}

// NewOutboxStore creates an outbox store with the default dead-letter
// threshold.
func NewOutboxStore(db *DB, logger *zap.Logger) *OutboxStore {
	return &OutboxStore{db: db, logger: logger, maxPublishAttempts: DefaultMaxPublishAttempts}
}

// Enqueue inserts one row per event with available_at = occurred_at.
// It must run inside the caller's unit-of-work transaction so the
// events commit atomically with the state change that produced them.
func (s *OutboxStore) Enqueue(ctx context.Context, events ...domain.Event) error {
	q := s.db.Querier(ctx)

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}

		query := `
			INSERT INTO outbox_events (
				event_id, event_type, correlation_id, payload,
				occurred_at, available_at, attempts
			) VALUES ($1, $2, $3, $4, $5, $5, 0)
		`
		if _, err := q.Exec(ctx, query, e.ID, e.Type, e.CorrelationID, payload, e.OccurredAt); err != nil {
			return fmt.Errorf("enqueue outbox event %s: %w", e.Type, err)
		}
	}
	return nil
}

// ClaimBatch atomically locks up to limit unpublished, non-dead rows
// whose available_at has passed, oldest insertion first. Rows locked by
// a live claim are skipped; locks older than the staleness window are
// reclaimed. Two concurrent claimants never receive the same row
// (FOR UPDATE SKIP LOCKED plus the conditional update).
func (s *OutboxStore) ClaimBatch(ctx context.Context, lockToken string, limit int, now time.Time) ([]OutboxRow, error) {
	query := `
		WITH claimable AS (
			SELECT id
			FROM outbox_events
			WHERE published_at IS NULL
			  AND dead_at IS NULL
			  AND available_at <= $1
			  AND (locked_at IS NULL OR locked_at < $1 - make_interval(secs => $4))
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events oe
		SET locked_at = $1, lock_token = $3
		FROM claimable
		WHERE oe.id = claimable.id
		RETURNING oe.id, oe.event_id, oe.event_type, oe.correlation_id,
		          oe.payload, oe.occurred_at, oe.available_at, oe.attempts,
		          oe.locked_at, oe.lock_token, oe.last_error,
		          oe.published_at, oe.dead_at
	`

	rows, err := s.db.Querier(ctx).Query(ctx, query, now, limit, lockToken, outboxLockStaleness.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var claimed []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(
			&row.ID,
			&row.EventID,
			&row.EventType,
			&row.CorrelationID,
			&row.Payload,
			&row.OccurredAt,
			&row.AvailableAt,
			&row.Attempts,
			&row.LockedAt,
			&row.LockToken,
			&row.LastError,
			&row.PublishedAt,
			&row.DeadAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return claimed, nil
}

// MarkPublished sets published_at and releases the lock. A stale token
// (claim expired and reclaimed elsewhere) makes this a no-op: the other
// worker's publish is redundant but harmless for idempotent consumers.
func (s *OutboxStore) MarkPublished(ctx context.Context, rowID int64, lockToken string, now time.Time) error {
	query := `
		UPDATE outbox_events
		SET published_at = $1, locked_at = NULL, lock_token = NULL
		WHERE id = $2 AND lock_token = $3
	`
	if _, err := s.db.Querier(ctx).Exec(ctx, query, now, rowID, lockToken); err != nil {
		return fmt.Errorf("mark outbox row published: %w", err)
	}
	return nil
}

// MarkFailed records the publish error, bumps attempts, pushes
// available_at into the future by backoff, and releases the lock. Once
// attempts reach the dead-letter threshold the row is parked with
// dead_at set and stops being claimed.
func (s *OutboxStore) MarkFailed(ctx context.Context, rowID int64, lockToken string, now time.Time, publishErr string, attempts int, backoff time.Duration) error {
	if backoff < time.Second {
		backoff = time.Second
	}
	availableAt := now.Add(backoff)

	var deadAt *time.Time
	if attempts >= s.maxPublishAttempts {
		deadAt = &now
		s.logger.Warn("outbox row dead-lettered",
			zap.Int64("row_id", rowID),
			zap.Int("attempts", attempts),
			zap.String("last_error", publishErr),
		)
	}

	query := `
		UPDATE outbox_events
		SET attempts = $1, last_error = $2, available_at = $3,
		    dead_at = $4, locked_at = NULL, lock_token = NULL
		WHERE id = $5 AND lock_token = $6
	`
	if _, err := s.db.Querier(ctx).Exec(ctx, query, attempts, publishErr, availableAt, deadAt, rowID, lockToken); err != nil {
		return fmt.Errorf("mark outbox row failed: %w", err)
	}
	return nil
}
