// Package delivery holds the per-channel unit of work: the Delivery
// aggregate and its state machine, attempt history, and the retry and
// routing policy contracts that drive it.
package delivery

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/domain"
)

// Status is the delivery state machine state.
//
// State transitions:
//
//	PENDING -> DISPATCHING
//	RETRYING -> DISPATCHING
//	DISPATCHING -> SENT | RETRYING | FAILED
//	any non-final -> CANCELLED
//
// SENT, FAILED, and CANCELLED are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusSent        Status = "sent"
	StatusRetrying    Status = "retrying"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// AttemptStatus tracks one send attempt's lifecycle.
type AttemptStatus string

const (
	AttemptStatusStarted   AttemptStatus = "started"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// Attempt is one invocation of a channel sender. Created and finalized
// within a single dispatch; never reopened.
type Attempt struct {
	ID                uuid.UUID
	Provider          string
	StartedAt         time.Time
	FinishedAt        *time.Time
	Status            AttemptStatus
	ProviderMessageID string
	Error             *ErrorInfo
}

// Event types emitted by the Delivery aggregate.
const (
	EventDeliveryCreated       = "delivery.created"
	EventDeliveryDispatchStart = "delivery.dispatch_started"
	EventDeliveryAttemptStart  = "delivery.attempt_started"
	EventDeliveryAttemptOK     = "delivery.attempt_succeeded"
	EventDeliveryAttemptFailed = "delivery.attempt_failed"
	EventDeliverySucceeded     = "delivery.succeeded"
	EventDeliveryFailed        = "delivery.failed"
	EventDeliveryRetryPlanned  = "delivery.retry_scheduled"
	EventDeliveryDeadLettered  = "delivery.dead_lettered"
	EventDeliveryCancelled     = "delivery.cancelled"
)

// Delivery is the aggregate driving one channel-specific send to
// completion. All mutation goes through its methods; an operation either
// leaves the delivery in a valid state or returns an InvariantViolation
// without side effects.
type Delivery struct {
	domain.Recorder

	id             uuid.UUID
	notificationID uuid.UUID
	channel        domain.Channel
	provider       string
	address        Address
	content        Content
	correlationID  uuid.UUID

	status            Status
	attemptCount      int
	lastError         *ErrorInfo
	retryPlan         *RetryPlan
	nextRetryAt       *time.Time
	deadLetteredAt    *time.Time
	providerMessageID string
	version           int
	createdAt         time.Time
	updatedAt         time.Time

	attempts []Attempt
}

// New creates a PENDING delivery and records delivery.created.
// Construction invariant: address channel and content channel must both
// equal the delivery channel.
func New(id, notificationID uuid.UUID, channel domain.Channel, provider string, address Address, content Content, correlationID uuid.UUID, now time.Time) (*Delivery, error) {
	d, err := newDelivery(id, notificationID, channel, provider, address, content, correlationID, now)
	if err != nil {
		return nil, err
	}

	d.Record(domain.NewEvent(EventDeliveryCreated, now, correlationID, map[string]any{
		"delivery_id":     id.String(),
		"notification_id": notificationID.String(),
		"channel":         channel.String(),
		"provider":        provider,
		"address":         address.Safe(),
	}))

	return d, nil
}

func newDelivery(id, notificationID uuid.UUID, channel domain.Channel, provider string, address Address, content Content, correlationID uuid.UUID, now time.Time) (*Delivery, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, domain.Invariant("delivery provider cannot be empty")
	}
	if address.Channel() != channel {
		return nil, domain.Invariant("address channel %q does not match delivery channel %q", address.Channel(), channel)
	}
	if content.Channel() != channel {
		return nil, domain.Invariant("content channel %q does not match delivery channel %q", content.Channel(), channel)
	}

	return &Delivery{
		id:             id,
		notificationID: notificationID,
		channel:        channel,
		provider:       provider,
		address:        address,
		content:        content,
		correlationID:  correlationID,
		status:         StatusPending,
		createdAt:      now,
		updatedAt:      now,
	}, nil
}

// Record is the persisted shape of a Delivery, used to rehydrate the
// aggregate from storage and to map it back.
type Record struct {
	ID                uuid.UUID
	NotificationID    uuid.UUID
	Channel           domain.Channel
	Provider          string
	Address           Address
	Content           Content
	CorrelationID     uuid.UUID
	Status            Status
	AttemptCount      int
	LastError         *ErrorInfo
	RetryPlan         *RetryPlan
	NextRetryAt       *time.Time
	DeadLetteredAt    *time.Time
	ProviderMessageID string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Rehydrate rebuilds a Delivery from its persisted record. Construction
// invariants are re-checked; status and bookkeeping are restored as-is.
func Rehydrate(rec Record) (*Delivery, error) {
	d, err := newDelivery(rec.ID, rec.NotificationID, rec.Channel, rec.Provider, rec.Address, rec.Content, rec.CorrelationID, rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	d.status = rec.Status
	d.attemptCount = rec.AttemptCount
	d.lastError = rec.LastError
	d.retryPlan = rec.RetryPlan
	d.nextRetryAt = rec.NextRetryAt
	d.deadLetteredAt = rec.DeadLetteredAt
	d.providerMessageID = rec.ProviderMessageID
	d.version = rec.Version
	d.updatedAt = rec.UpdatedAt

	return d, nil
}

// ToRecord maps the aggregate to its persisted shape.
func (d *Delivery) ToRecord() Record {
	return Record{
		ID:                d.id,
		NotificationID:    d.notificationID,
		Channel:           d.channel,
		Provider:          d.provider,
		Address:           d.address,
		Content:           d.content,
		CorrelationID:     d.correlationID,
		Status:            d.status,
		AttemptCount:      d.attemptCount,
		LastError:         d.lastError,
		RetryPlan:         d.retryPlan,
		NextRetryAt:       d.nextRetryAt,
		DeadLetteredAt:    d.deadLetteredAt,
		ProviderMessageID: d.providerMessageID,
		Version:           d.version,
		CreatedAt:         d.createdAt,
		UpdatedAt:         d.updatedAt,
	}
}

// StartDispatch moves the delivery into DISPATCHING. Allowed only from
// PENDING or RETRYING.
func (d *Delivery) StartDispatch(now time.Time) error {
	if err := d.assertNotFinal(); err != nil {
		return err
	}
	if d.status != StatusPending && d.status != StatusRetrying {
		return domain.Invariant("cannot start dispatch from status %q", d.status)
	}

	d.status = StatusDispatching
	d.updatedAt = now

	d.Record(domain.NewEvent(EventDeliveryDispatchStart, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"channel":         d.channel.String(),
		"provider":        d.provider,
	}))

	return nil
}

// BeginAttempt opens a new attempt and increments the attempt counter.
// Only valid while DISPATCHING, and only while no other attempt is open.
func (d *Delivery) BeginAttempt(now time.Time) (uuid.UUID, error) {
	if d.status != StatusDispatching {
		return uuid.Nil, domain.Invariant("can begin attempt only while dispatching, status is %q", d.status)
	}
	if open := d.openAttempt(); open != nil {
		return uuid.Nil, domain.Invariant("attempt %s is still open", open.ID)
	}

	d.attemptCount++
	d.updatedAt = now

	attemptID := domain.NewID()
	d.attempts = append(d.attempts, Attempt{
		ID:        attemptID,
		Provider:  d.provider,
		StartedAt: now,
		Status:    AttemptStatusStarted,
	})

	d.Record(domain.NewEvent(EventDeliveryAttemptStart, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"attempt_id":      attemptID.String(),
		"attempt_number":  d.attemptCount,
	}))

	return attemptID, nil
}

// AttemptSucceeded finalizes the open attempt, marks the delivery SENT,
// and clears all retry bookkeeping.
func (d *Delivery) AttemptSucceeded(attemptID uuid.UUID, providerMessageID string, now time.Time) error {
	attempt, err := d.finalizeAttempt(attemptID, now)
	if err != nil {
		return err
	}

	attempt.Status = AttemptStatusSucceeded
	attempt.ProviderMessageID = providerMessageID

	d.status = StatusSent
	d.providerMessageID = providerMessageID
	d.lastError = nil
	d.retryPlan = nil
	d.nextRetryAt = nil
	d.updatedAt = now

	d.Record(domain.NewEvent(EventDeliveryAttemptOK, now, d.correlationID, map[string]any{
		"delivery_id":         d.id.String(),
		"notification_id":     d.notificationID.String(),
		"channel":             d.channel.String(),
		"attempt_id":          attemptID.String(),
		"provider":            d.provider,
		"provider_message_id": providerMessageID,
	}))
	d.Record(domain.NewEvent(EventDeliverySucceeded, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"channel":         d.channel.String(),
		"provider":        d.provider,
	}))

	return nil
}

// AttemptFailed finalizes the open attempt with an error. A non-nil
// retry plan schedules another attempt (RETRYING); nil dead-letters the
// delivery (FAILED).
func (d *Delivery) AttemptFailed(attemptID uuid.UUID, errInfo ErrorInfo, now time.Time, plan *RetryPlan) error {
	attempt, err := d.finalizeAttempt(attemptID, now)
	if err != nil {
		return err
	}

	attempt.Status = AttemptStatusFailed
	attempt.Error = &errInfo

	d.lastError = &errInfo
	d.retryPlan = plan
	d.updatedAt = now

	d.Record(domain.NewEvent(EventDeliveryAttemptFailed, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"attempt_id":      attemptID.String(),
		"error":           errInfo,
	}))

	failedPayload := map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"channel":         d.channel.String(),
		"provider":        d.provider,
		"error":           errInfo,
	}

	if plan != nil {
		d.status = StatusRetrying
		next := plan.NextRetryAt
		d.nextRetryAt = &next

		failedPayload["retry_plan"] = *plan
		d.Record(domain.NewEvent(EventDeliveryFailed, now, d.correlationID, failedPayload))
		d.Record(domain.NewEvent(EventDeliveryRetryPlanned, now, d.correlationID, map[string]any{
			"delivery_id":     d.id.String(),
			"notification_id": d.notificationID.String(),
			"channel":         d.channel.String(),
			"provider":        d.provider,
			"retry_plan":      *plan,
		}))
		return nil
	}

	d.status = StatusFailed
	d.nextRetryAt = nil
	d.deadLetteredAt = &now

	d.Record(domain.NewEvent(EventDeliveryFailed, now, d.correlationID, failedPayload))
	d.Record(domain.NewEvent(EventDeliveryDeadLettered, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
		"channel":         d.channel.String(),
		"provider":        d.provider,
		"error":           errInfo,
	}))

	return nil
}

// IsRetryDue reports whether a RETRYING delivery's scheduled retry time
// has passed.
func (d *Delivery) IsRetryDue(now time.Time) bool {
	if d.status != StatusRetrying || d.retryPlan == nil {
		return false
	}
	return !d.retryPlan.NextRetryAt.After(now)
}

// Cancel terminates a non-final delivery.
func (d *Delivery) Cancel(now time.Time) error {
	if err := d.assertNotFinal(); err != nil {
		return err
	}

	d.status = StatusCancelled
	d.updatedAt = now

	d.Record(domain.NewEvent(EventDeliveryCancelled, now, d.correlationID, map[string]any{
		"delivery_id":     d.id.String(),
		"notification_id": d.notificationID.String(),
	}))

	return nil
}

// ChangeProvider reroutes the delivery. Not allowed mid-dispatch or
// after a terminal state.
func (d *Delivery) ChangeProvider(provider string) error {
	if err := d.assertNotFinal(); err != nil {
		return err
	}
	if d.status == StatusDispatching {
		return domain.Invariant("cannot change provider while dispatching")
	}
	if strings.TrimSpace(provider) == "" {
		return domain.Invariant("delivery provider cannot be empty")
	}

	d.provider = provider
	return nil
}

func (d *Delivery) openAttempt() *Attempt {
	for i := range d.attempts {
		if d.attempts[i].Status == AttemptStatusStarted {
			return &d.attempts[i]
		}
	}
	return nil
}

func (d *Delivery) finalizeAttempt(attemptID uuid.UUID, now time.Time) (*Attempt, error) {
	if d.status != StatusDispatching {
		return nil, domain.Invariant("can finalize attempt only while dispatching, status is %q", d.status)
	}

	attempt := d.openAttempt()
	if attempt == nil {
		return nil, domain.Invariant("no open attempt to finalize")
	}
	if attempt.ID != attemptID {
		return nil, domain.Invariant("attempt %s is not the open attempt", attemptID)
	}

	finished := now
	attempt.FinishedAt = &finished
	return attempt, nil
}

func (d *Delivery) assertNotFinal() error {
	if d.status.IsFinal() {
		return domain.Invariant("delivery is already %s and cannot be modified", d.status)
	}
	return nil
}

// Accessors.

func (d *Delivery) ID() uuid.UUID              { return d.id }
func (d *Delivery) NotificationID() uuid.UUID  { return d.notificationID }
func (d *Delivery) Channel() domain.Channel    { return d.channel }
func (d *Delivery) Provider() string           { return d.provider }
func (d *Delivery) Address() Address           { return d.address }
func (d *Delivery) Content() Content           { return d.content }
func (d *Delivery) CorrelationID() uuid.UUID   { return d.correlationID }
func (d *Delivery) Status() Status             { return d.status }
func (d *Delivery) AttemptCount() int          { return d.attemptCount }
func (d *Delivery) LastError() *ErrorInfo      { return d.lastError }
func (d *Delivery) RetryPlan() *RetryPlan      { return d.retryPlan }
func (d *Delivery) NextRetryAt() *time.Time    { return d.nextRetryAt }
func (d *Delivery) DeadLetteredAt() *time.Time { return d.deadLetteredAt }
func (d *Delivery) ProviderMessageID() string  { return d.providerMessageID }
func (d *Delivery) Version() int               { return d.version }
func (d *Delivery) CreatedAt() time.Time       { return d.createdAt }
func (d *Delivery) UpdatedAt() time.Time       { return d.updatedAt }

// Attempts returns the attempts begun on this aggregate instance, in
// order. Historical attempts from prior dispatches are not loaded.
func (d *Delivery) Attempts() []Attempt { return d.attempts }
