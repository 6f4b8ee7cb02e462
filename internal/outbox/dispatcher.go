package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/metrics"
)

// maxPublishBackoffSeconds caps the outbox republish delay at 15
// minutes; the exponent itself is capped so the shift cannot overflow.
const (
	maxPublishBackoffSeconds = 900
	maxPublishBackoffExp     = 10
)

// PublishBackoff returns how long a row stays unavailable after its
// attempts-th failed publish: 2^attempts seconds, exponent capped at
// 10, result capped at 900s.
func PublishBackoff(attempts int) time.Duration {
	exp := attempts
	if exp > maxPublishBackoffExp {
		exp = maxPublishBackoffExp
	}
	if exp < 0 {
		exp = 0
	}
	secs := 1 << exp
	if secs > maxPublishBackoffSeconds {
		secs = maxPublishBackoffSeconds
	}
	return time.Duration(secs) * time.Second
}

// Store is the slice of the outbox store the dispatcher needs.
type Store interface {
	ClaimBatch(ctx context.Context, lockToken string, limit int, now time.Time) ([]db.OutboxRow, error)
	MarkPublished(ctx context.Context, rowID int64, lockToken string, now time.Time) error
	MarkFailed(ctx context.Context, rowID int64, lockToken string, now time.Time, publishErr string, attempts int, backoff time.Duration) error
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	Transactional(ctx context.Context, fn func(ctx context.Context) error) error
}

// Dispatcher drains the outbox: claim a batch, publish each event,
// mark the row published or push it back with backoff. Multiple
// dispatchers compete safely through the claim protocol; each carries
// its own lock token.
type Dispatcher struct {
	store     Store
	bus       Bus
	tx        TxRunner
	clock     domain.Clock
	logger    *zap.Logger
	lockToken string
	batchSize int
}

type DispatcherConfig struct {
	BatchSize int
}

func NewDispatcher(store Store, bus Bus, tx TxRunner, clock domain.Clock, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		store:     store,
		bus:       bus,
		tx:        tx,
		clock:     clock,
		logger:    logger,
		lockToken: domain.NewID().String(),
		batchSize: cfg.BatchSize,
	}
}

// LockToken identifies this dispatcher's claims. Exposed for logs.
func (d *Dispatcher) LockToken() string { return d.lockToken }

// RunOnce processes one batch and returns how many events were
// published. Claim and marks share a transaction so a crash mid-batch
// releases everything via rollback; the claimed locks then expire for
// any rows a competing worker should take over. A publish failure
// affects only its own row.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	published := 0

	err := d.tx.Transactional(ctx, func(ctx context.Context) error {
		now := d.clock.Now()
		rows, err := d.store.ClaimBatch(ctx, d.lockToken, d.batchSize, now)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}

		for _, row := range rows {
			event := Event{
				ID:            row.EventID,
				Type:          row.EventType,
				CorrelationID: row.CorrelationID,
				OccurredAt:    row.OccurredAt,
				Payload:       row.Payload,
			}

			if pubErr := d.bus.Publish(ctx, event); pubErr != nil {
				attempts := row.Attempts + 1
				backoff := PublishBackoff(attempts)
				d.logger.Warn("outbox publish failed",
					zap.Int64("row_id", row.ID),
					zap.String("event_type", row.EventType),
					zap.Int("attempts", attempts),
					zap.Duration("backoff", backoff),
					zap.Error(pubErr),
				)
				metrics.RecordOutboxPublishFailure(row.EventType)
				if err := d.store.MarkFailed(ctx, row.ID, d.lockToken, now, pubErr.Error(), attempts, backoff); err != nil {
					return fmt.Errorf("mark failed: %w", err)
				}
				continue
			}

			if err := d.store.MarkPublished(ctx, row.ID, d.lockToken, now); err != nil {
				return fmt.Errorf("mark published: %w", err)
			}
			metrics.RecordOutboxPublished(row.EventType)
			published++
		}
		return nil
	})
	if err != nil {
		return published, err
	}
	return published, nil
}
