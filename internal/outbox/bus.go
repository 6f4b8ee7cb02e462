package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is the wire shape the dispatcher hands to a bus: the stored
// outbox row minus its bookkeeping columns.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Bus publishes events downstream. A publish error leaves the outbox
// row unpublished; it will be retried with backoff, so implementations
// must tolerate duplicate publishes of the same event id.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// Handler consumes one event. Returning an error makes the publish
// count as failed for the whole event.
type Handler func(ctx context.Context, event Event) error

// HandlerBus dispatches events to in-process handlers registered by
// event type. Used when the dispatch worker runs in the same binary as
// the outbox loop.
type HandlerBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

func NewHandlerBus(logger *zap.Logger) *HandlerBus {
	return &HandlerBus{handlers: make(map[string][]Handler), logger: logger}
}

// Subscribe registers a handler for an event type. Multiple handlers
// per type all run; the first error aborts the remainder.
func (b *HandlerBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.mu.Unlock()
}

func (b *HandlerBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handler for event type", zap.String("event_type", event.Type))
		return nil
	}

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handle %s: %w", event.Type, err)
		}
	}
	return nil
}

// MultiBus publishes to several buses in order, stopping at the first
// failure so the event stays unpublished and retries hit all targets
// again. Targets therefore need idempotent consumers.
type MultiBus struct {
	buses []Bus
}

func NewMultiBus(buses ...Bus) *MultiBus {
	return &MultiBus{buses: buses}
}

func (m *MultiBus) Publish(ctx context.Context, event Event) error {
	for _, b := range m.buses {
		if err := b.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
