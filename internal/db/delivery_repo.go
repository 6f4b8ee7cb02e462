package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// DeliveryRepository persists the Delivery aggregate and its attempt
// history. Saves use optimistic concurrency: the version column is
// compared and incremented atomically, and a mismatch fails the save.
type DeliveryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryRepository creates a delivery repository.
func NewDeliveryRepository(db *DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{db: db, logger: logger}
}

const deliveryColumns = `
	id, notification_id, correlation_id, channel, provider, address,
	content, status, attempt_count, last_error, retry_plan, next_retry_at,
	dead_lettered_at, COALESCE(provider_message_id, ''), version,
	created_at, updated_at
`

// Create inserts a freshly constructed PENDING delivery at version 0.
func (r *DeliveryRepository) Create(ctx context.Context, d *delivery.Delivery) error {
	rec := d.ToRecord()

	address, err := json.Marshal(rec.Address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	query := `
		INSERT INTO deliveries (
			id, notification_id, correlation_id, channel, provider,
			address, content, status, attempt_count, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)
	`

	_, err = r.db.Querier(ctx).Exec(ctx, query,
		rec.ID,
		rec.NotificationID,
		rec.CorrelationID,
		rec.Channel,
		rec.Provider,
		address,
		content,
		rec.Status,
		rec.AttemptCount,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}

	r.logger.Debug("delivery created",
		zap.String("delivery_id", rec.ID.String()),
		zap.String("channel", rec.Channel.String()),
		zap.String("provider", rec.Provider),
	)
	return nil
}

// Get loads a delivery by id. Returns ErrNotFound on a miss.
func (r *DeliveryRepository) Get(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate loads a delivery with a row-level exclusive lock so
// concurrent dispatches of the same delivery serialize. Callers must be
// inside a unit-of-work transaction.
func (r *DeliveryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error) {
	return r.get(ctx, id, "FOR UPDATE")
}

func (r *DeliveryRepository) get(ctx context.Context, id uuid.UUID, locking string) (*delivery.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM deliveries WHERE id = $1 " + locking

	var (
		rec          delivery.Record
		channel      string
		status       string
		addressRaw   []byte
		contentRaw   []byte
		lastErrorRaw []byte
		retryPlanRaw []byte
	)

	err := r.db.Querier(ctx).QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.NotificationID,
		&rec.CorrelationID,
		&channel,
		&rec.Provider,
		&addressRaw,
		&contentRaw,
		&status,
		&rec.AttemptCount,
		&lastErrorRaw,
		&retryPlanRaw,
		&rec.NextRetryAt,
		&rec.DeadLetteredAt,
		&rec.ProviderMessageID,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	ch, err := domain.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	rec.Channel = ch
	rec.Status = delivery.Status(status)

	if err := json.Unmarshal(addressRaw, &rec.Address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if err := json.Unmarshal(contentRaw, &rec.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(lastErrorRaw) > 0 {
		if err := json.Unmarshal(lastErrorRaw, &rec.LastError); err != nil {
			return nil, fmt.Errorf("decode last error: %w", err)
		}
	}
	if len(retryPlanRaw) > 0 {
		if err := json.Unmarshal(retryPlanRaw, &rec.RetryPlan); err != nil {
			return nil, fmt.Errorf("decode retry plan: %w", err)
		}
	}

	return delivery.Rehydrate(rec)
}

// Save writes the delivery state and any attempts begun on this
// instance. The version compare-and-swap means a concurrent writer who
// got there first causes ErrVersionConflict and a rollback.
func (r *DeliveryRepository) Save(ctx context.Context, d *delivery.Delivery) error {
	rec := d.ToRecord()

	lastError, err := marshalNullableJSON(rec.LastError)
	if err != nil {
		return fmt.Errorf("marshal last error: %w", err)
	}
	retryPlan, err := marshalNullableJSON(rec.RetryPlan)
	if err != nil {
		return fmt.Errorf("marshal retry plan: %w", err)
	}

	query := `
		UPDATE deliveries
		SET provider = $1,
		    status = $2,
		    attempt_count = $3,
		    last_error = $4,
		    retry_plan = $5,
		    next_retry_at = $6,
		    dead_lettered_at = $7,
		    provider_message_id = NULLIF($8, ''),
		    version = version + 1,
		    updated_at = $9
		WHERE id = $10 AND version = $11
	`

	tag, err := r.db.Querier(ctx).Exec(ctx, query,
		rec.Provider,
		rec.Status,
		rec.AttemptCount,
		lastError,
		retryPlan,
		rec.NextRetryAt,
		rec.DeadLetteredAt,
		rec.ProviderMessageID,
		rec.UpdatedAt,
		rec.ID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		checkErr := r.db.Querier(ctx).QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM deliveries WHERE id = $1)", rec.ID,
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("check delivery existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("delivery %s: %w", rec.ID, ErrNotFound)
		}
		return fmt.Errorf("delivery %s at version %d: %w", rec.ID, rec.Version, ErrVersionConflict)
	}

	for _, attempt := range d.Attempts() {
		if err := r.saveAttempt(ctx, rec.ID, attempt); err != nil {
			return err
		}
	}
	return nil
}

func (r *DeliveryRepository) saveAttempt(ctx context.Context, deliveryID uuid.UUID, attempt delivery.Attempt) error {
	attemptError, err := marshalNullableJSON(attempt.Error)
	if err != nil {
		return fmt.Errorf("marshal attempt error: %w", err)
	}

	// Attempts begin and finalize within one dispatch transaction, so a
	// plain upsert keyed by attempt id is enough.
	query := `
		INSERT INTO delivery_attempts (
			id, delivery_id, provider, started_at, finished_at, status,
			provider_message_id, error
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
		    status = EXCLUDED.status,
		    provider_message_id = EXCLUDED.provider_message_id,
		    error = EXCLUDED.error
	`

	_, err = r.db.Querier(ctx).Exec(ctx, query,
		attempt.ID,
		deliveryID,
		attempt.Provider,
		attempt.StartedAt,
		attempt.FinishedAt,
		attempt.Status,
		attempt.ProviderMessageID,
		attemptError,
	)
	if err != nil {
		return fmt.Errorf("upsert delivery attempt: %w", err)
	}
	return nil
}

// FindDispatchable returns ids of PENDING deliveries whose owning
// notification is not scheduled for a future send, oldest first.
func (r *DeliveryRepository) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT d.id FROM deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.status = 'pending'
		  AND (n.schedule IS NULL OR (n.schedule->>'send_at')::timestamptz <= $1)
		ORDER BY d.id ASC
		LIMIT $2
	`
	return r.findIDs(ctx, query, now, limit)
}

// FindRetryDue returns ids of RETRYING deliveries whose scheduled retry
// time has passed, oldest first.
func (r *DeliveryRepository) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM deliveries
		WHERE status = 'retrying' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`
	return r.findIDs(ctx, query, now, limit)
}

// FindByNotification returns ids of all deliveries fanned out from one
// notification, in creation order.
func (r *DeliveryRepository) FindByNotification(ctx context.Context, notificationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM deliveries
		WHERE notification_id = $1
		ORDER BY id ASC
	`
	return r.findIDs(ctx, query, notificationID)
}

func (r *DeliveryRepository) findIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery ids: %w", err)
	}
	return ids, nil
}

func marshalNullableJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case *delivery.ErrorInfo:
		if val == nil {
			return nil, nil
		}
	case *delivery.RetryPlan:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
