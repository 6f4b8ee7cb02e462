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

	"github.com/lalith-99/courier/internal/notification"
)

// NotificationRepository persists the Notification aggregate. Recipient,
// channels, content, schedule, and tags are stored as jsonb.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a notification repository.
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

// Create inserts a freshly requested notification.
func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	rec := n.ToRecord()

	recipient, err := json.Marshal(rec.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	channels, err := json.Marshal(rec.Channels.Names())
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	schedule, err := marshalNullable(rec.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	tags, err := marshalNullable(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, correlation_id, idempotency_key, recipient, channels,
			content, schedule, tags, status, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Querier(ctx).Exec(ctx, query,
		rec.ID,
		rec.CorrelationID,
		rec.IdempotencyKey,
		recipient,
		channels,
		content,
		schedule,
		tags,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", rec.ID.String()),
		zap.Strings("channels", rec.Channels.Names()),
	)
	return nil
}

// Get loads a notification by id. Returns ErrNotFound on a miss.
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	query := `
		SELECT
			id, correlation_id, COALESCE(idempotency_key, ''), recipient,
			channels, content, schedule, tags, status, created_at, updated_at
		FROM notifications
		WHERE id = $1
	`

	var (
		rec          notification.Record
		recipientRaw []byte
		channelsRaw  []byte
		contentRaw   []byte
		scheduleRaw  []byte
		tagsRaw      []byte
		status       string
	)

	err := r.db.Querier(ctx).QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.CorrelationID,
		&rec.IdempotencyKey,
		&recipientRaw,
		&channelsRaw,
		&contentRaw,
		&scheduleRaw,
		&tagsRaw,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	rec.Status = notification.Status(status)
	if err := json.Unmarshal(recipientRaw, &rec.Recipient); err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}

	var channelNames []string
	if err := json.Unmarshal(channelsRaw, &channelNames); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	rec.Channels, err = notification.NewChannelSet(channelNames...)
	if err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	if err := json.Unmarshal(contentRaw, &rec.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(scheduleRaw) > 0 {
		if err := json.Unmarshal(scheduleRaw, &rec.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
	}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}

	return notification.Rehydrate(rec), nil
}

// Save updates the mutable notification fields (status, schedule).
func (r *NotificationRepository) Save(ctx context.Context, n *notification.Notification) error {
	rec := n.ToRecord()

	schedule, err := marshalNullable(rec.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	query := `
		UPDATE notifications
		SET status = $1, schedule = $2, updated_at = $3
		WHERE id = $4
	`

	tag, err := r.db.Querier(ctx).Exec(ctx, query, rec.Status, schedule, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// FindExpired returns ids of scheduled notifications whose expiry has
// passed, oldest first. Temporal filtering on the jsonb schedule keeps
// this a single query; the aggregate re-checks before expiring.
func (r *NotificationRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM notifications
		WHERE status = $1
		  AND schedule ? 'expires_at'
		  AND (schedule->>'expires_at')::timestamptz <= $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := r.db.Querier(ctx).Query(ctx, query, notification.StatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired notifications: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification ids: %w", err)
	}
	return ids, nil
}

// marshalNullable marshals v, mapping nil pointers and nil slices to
// SQL NULL instead of the JSON literal "null".
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *notification.Schedule:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
