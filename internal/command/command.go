// Package command holds the transactional command handlers that tie
// aggregate mutation, event emission, and outbox enqueue into one
// atomic unit.
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/notification"
)

// TxRunner runs a function inside a unit-of-work transaction.
type TxRunner interface {
	Transactional(ctx context.Context, fn func(ctx context.Context) error) error
}

// NotificationRepo persists Notification aggregates.
type NotificationRepo interface {
	Create(ctx context.Context, n *notification.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	Save(ctx context.Context, n *notification.Notification) error
}

// NotificationGetter is the read-only subset of NotificationRepo used
// by dispatch to consult the owning notification's schedule.
type NotificationGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
}

// DeliveryRepo persists Delivery aggregates. GetForUpdate takes a row
// lock so concurrent dispatches of the same delivery serialize.
type DeliveryRepo interface {
	Create(ctx context.Context, d *delivery.Delivery) error
	Get(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error)
	Save(ctx context.Context, d *delivery.Delivery) error
}

// OutboxEnqueuer appends domain events to the outbox inside the ambient
// transaction.
type OutboxEnqueuer interface {
	Enqueue(ctx context.Context, events ...domain.Event) error
}

// IdempotencyStore shadows replayed commands with their stored result.
type IdempotencyStore interface {
	Get(ctx context.Context, scope, key string, now time.Time) (json.RawMessage, error)
	Put(ctx context.Context, scope, key string, result json.RawMessage, now time.Time) (bool, error)
}
