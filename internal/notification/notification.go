package notification

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/domain"
)

// Status is the notification's advisory lifecycle state. Deliveries are
// driven independently; only cancel/expire are terminal here.
type Status string

const (
	StatusRequested Status = "requested"
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Event types emitted by the Notification aggregate.
const (
	EventRequested = "notification.requested"
	EventScheduled = "notification.scheduled"
	EventCancelled = "notification.cancelled"
	EventExpired   = "notification.expired"
)

// Schedule defers a notification to a future send time with an optional
// expiry after which it must not be sent.
type Schedule struct {
	SendAt    time.Time  `json:"send_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpiredAt reports whether the schedule's expiry has passed.
func (s Schedule) IsExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Notification is the aggregate for one logical send request. It
// validates recipient/channel/content compatibility at construction and
// emits lifecycle events.
type Notification struct {
	domain.Recorder

	id             uuid.UUID
	recipient      Recipient
	channels       ChannelSet
	content        Content
	correlationID  uuid.UUID
	idempotencyKey string
	schedule       *Schedule
	tags           []string
	status         Status
	createdAt      time.Time
	updatedAt      time.Time
}

// Request creates a notification, enforcing that the recipient supports
// every requested channel and that inline content meets each channel's
// minimum. Records notification.requested (and notification.scheduled
// when a schedule is given).
func Request(id uuid.UUID, recipient Recipient, channels ChannelSet, content Content, correlationID uuid.UUID, now time.Time, idempotencyKey string, schedule *Schedule, tags []string) (*Notification, error) {
	if len(channels) == 0 {
		return nil, domain.Invariant("at least one channel is required")
	}
	if err := recipient.Supports(channels); err != nil {
		return nil, err
	}
	if err := content.assertCompatible(channels); err != nil {
		return nil, err
	}
	if schedule != nil {
		if schedule.SendAt.Before(now) {
			return nil, domain.Invariant("cannot schedule a notification in the past")
		}
		if schedule.IsExpiredAt(now) {
			return nil, domain.Invariant("cannot schedule an already expired notification")
		}
	}

	n := &Notification{
		id:             id,
		recipient:      recipient,
		channels:       channels,
		content:        content,
		correlationID:  correlationID,
		idempotencyKey: idempotencyKey,
		schedule:       schedule,
		tags:           tags,
		status:         StatusRequested,
		createdAt:      now,
		updatedAt:      now,
	}
	if schedule != nil {
		n.status = StatusScheduled
	}

	n.Record(domain.NewEvent(EventRequested, now, correlationID, map[string]any{
		"notification_id": id.String(),
		"channels":        channels.Names(),
	}))
	if schedule != nil {
		n.Record(domain.NewEvent(EventScheduled, now, correlationID, schedulePayload(id, *schedule)))
	}

	return n, nil
}

// ScheduleFor moves (or re-schedules) the notification to a future send
// time.
func (n *Notification) ScheduleFor(sendAt time.Time, now time.Time, expiresAt *time.Time) error {
	if err := n.assertNotFinal(); err != nil {
		return err
	}
	if sendAt.Before(now) {
		return domain.Invariant("cannot schedule a notification in the past")
	}

	sched := Schedule{SendAt: sendAt, ExpiresAt: expiresAt}
	n.schedule = &sched
	n.status = StatusScheduled
	n.updatedAt = now

	n.Record(domain.NewEvent(EventScheduled, now, n.correlationID, schedulePayload(n.id, sched)))
	return nil
}

// Cancel terminates the notification with an operator-supplied reason.
func (n *Notification) Cancel(reason string, now time.Time) error {
	if err := n.assertNotFinal(); err != nil {
		return err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Invariant("cancel reason cannot be empty")
	}

	n.status = StatusCancelled
	n.updatedAt = now

	n.Record(domain.NewEvent(EventCancelled, now, n.correlationID, map[string]any{
		"notification_id": n.id.String(),
		"reason":          reason,
	}))
	return nil
}

// MarkExpired terminates a scheduled notification whose expiry passed
// before it was sent.
func (n *Notification) MarkExpired(now time.Time) error {
	if err := n.assertNotFinal(); err != nil {
		return err
	}

	n.status = StatusExpired
	n.updatedAt = now

	n.Record(domain.NewEvent(EventExpired, now, n.correlationID, map[string]any{
		"notification_id": n.id.String(),
	}))
	return nil
}

func (n *Notification) assertNotFinal() error {
	if n.status.IsFinal() {
		return domain.Invariant("notification is already %s and cannot be modified", n.status)
	}
	return nil
}

func schedulePayload(id uuid.UUID, s Schedule) map[string]any {
	payload := map[string]any{
		"notification_id": id.String(),
		"send_at":         s.SendAt,
	}
	if s.ExpiresAt != nil {
		payload["expires_at"] = *s.ExpiresAt
	}
	return payload
}

// Record is the persisted shape of a Notification.
type Record struct {
	ID             uuid.UUID
	Recipient      Recipient
	Channels       ChannelSet
	Content        Content
	CorrelationID  uuid.UUID
	IdempotencyKey string
	Schedule       *Schedule
	Tags           []string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Rehydrate rebuilds a Notification from storage without re-running
// request-time validation (the stored state was valid when written).
func Rehydrate(rec Record) *Notification {
	return &Notification{
		id:             rec.ID,
		recipient:      rec.Recipient,
		channels:       rec.Channels,
		content:        rec.Content,
		correlationID:  rec.CorrelationID,
		idempotencyKey: rec.IdempotencyKey,
		schedule:       rec.Schedule,
		tags:           rec.Tags,
		status:         rec.Status,
		createdAt:      rec.CreatedAt,
		updatedAt:      rec.UpdatedAt,
	}
}

// ToRecord maps the aggregate to its persisted shape.
func (n *Notification) ToRecord() Record {
	return Record{
		ID:             n.id,
		Recipient:      n.recipient,
		Channels:       n.channels,
		Content:        n.content,
		CorrelationID:  n.correlationID,
		IdempotencyKey: n.idempotencyKey,
		Schedule:       n.schedule,
		Tags:           n.tags,
		Status:         n.status,
		CreatedAt:      n.createdAt,
		UpdatedAt:      n.updatedAt,
	}
}

// Accessors.

func (n *Notification) ID() uuid.UUID            { return n.id }
func (n *Notification) Recipient() Recipient     { return n.recipient }
func (n *Notification) Channels() ChannelSet     { return n.channels }
func (n *Notification) Content() Content         { return n.content }
func (n *Notification) CorrelationID() uuid.UUID { return n.correlationID }
func (n *Notification) IdempotencyKey() string   { return n.idempotencyKey }
func (n *Notification) Schedule() *Schedule      { return n.schedule }
func (n *Notification) Tags() []string           { return n.tags }
func (n *Notification) Status() Status           { return n.status }
func (n *Notification) CreatedAt() time.Time     { return n.createdAt }
func (n *Notification) UpdatedAt() time.Time     { return n.updatedAt }
