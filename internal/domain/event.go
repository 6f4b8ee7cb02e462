package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event emitted by an aggregate. Events are buffered
// on the aggregate and drained exactly once by the transactional handler
// that enqueues them to the outbox.
type Event struct {
	ID            uuid.UUID
	Type          string
	OccurredAt    time.Time
	CorrelationID uuid.UUID
	Payload       map[string]any
}

// NewEvent builds an event with a fresh v7 event id.
func NewEvent(eventType string, occurredAt time.Time, correlationID uuid.UUID, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:            NewID(),
		Type:          eventType,
		OccurredAt:    occurredAt,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Recorder is the append-only event buffer embedded in aggregates.
// It is never persisted as aggregate state and never shared between
// aggregate instances.
type Recorder struct {
	events []Event
}

// Record appends an event to the buffer.
func (r *Recorder) Record(e Event) {
	r.events = append(r.events, e)
}

// PullEvents drains the buffer and returns the recorded events in the
// order they were recorded. Subsequent calls return nothing until new
// events are recorded.
func (r *Recorder) PullEvents() []Event {
	out := r.events
	r.events = nil
	return out
}

// PeekEvents returns the buffered events without draining them.
func (r *Recorder) PeekEvents() []Event {
	return r.events
}
