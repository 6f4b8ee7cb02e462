package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDelivery(t *testing.T) *Delivery {
	t.Helper()
	addr, err := NewEmailAddress("alice@example.com")
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	content, err := NewSnapshotContent(domain.ChannelEmail, json.RawMessage(`{"subject":"hi","text_body":"hello"}`))
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	d, err := New(domain.NewID(), domain.NewID(), domain.ChannelEmail, "ses", addr, content, domain.NewID(), testNow)
	if err != nil {
		t.Fatalf("new delivery: %v", err)
	}
	return d
}

func transientErr() ErrorInfo {
	return TransientError("provider_unavailable", "SES is down", "ServiceUnavailable")
}

func permanentErr() ErrorInfo {
	return PermanentError("provider_rejected", "address suppressed", "MessageRejected")
}

func eventTypes(d *Delivery) []string {
	events := d.PullEvents()
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestNew_StartsPending(t *testing.T) {
	d := newTestDelivery(t)
	if d.Status() != StatusPending {
		t.Fatalf("status = %s, want pending", d.Status())
	}
	if d.AttemptCount() != 0 {
		t.Fatalf("attempt_count = %d", d.AttemptCount())
	}
	types := eventTypes(d)
	if len(types) != 1 || types[0] != EventDeliveryCreated {
		t.Fatalf("events = %v", types)
	}
}

func TestNew_RejectsChannelMismatch(t *testing.T) {
	addr, _ := NewEmailAddress("alice@example.com")
	content, _ := NewSnapshotContent(domain.ChannelEmail, json.RawMessage(`{"text":"x"}`))
	_, err := New(domain.NewID(), domain.NewID(), domain.ChannelSMS, "sns", addr, content, domain.NewID(), testNow)
	if !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestNew_RejectsEmptyProvider(t *testing.T) {
	addr, _ := NewEmailAddress("alice@example.com")
	content, _ := NewSnapshotContent(domain.ChannelEmail, json.RawMessage(`{"text":"x"}`))
	_, err := New(domain.NewID(), domain.NewID(), domain.ChannelEmail, "  ", addr, content, domain.NewID(), testNow)
	if !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDelivery_HappyPath(t *testing.T) {
	d := newTestDelivery(t)
	d.PullEvents()

	if err := d.StartDispatch(testNow); err != nil {
		t.Fatalf("start dispatch: %v", err)
	}
	if d.Status() != StatusDispatching {
		t.Fatalf("status = %s", d.Status())
	}

	attemptID, err := d.BeginAttempt(testNow)
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	if d.AttemptCount() != 1 {
		t.Fatalf("attempt_count = %d", d.AttemptCount())
	}

	if err := d.AttemptSucceeded(attemptID, "msg-123", testNow); err != nil {
		t.Fatalf("attempt succeeded: %v", err)
	}
	if d.Status() != StatusSent {
		t.Fatalf("status = %s, want sent", d.Status())
	}
	if d.ProviderMessageID() != "msg-123" {
		t.Fatalf("provider_message_id = %s", d.ProviderMessageID())
	}
	if d.LastError() != nil || d.RetryPlan() != nil || d.NextRetryAt() != nil {
		t.Fatal("retry bookkeeping should be cleared on success")
	}

	types := eventTypes(d)
	want := []string{EventDeliveryDispatchStart, EventDeliveryAttemptStart, EventDeliveryAttemptOK, EventDeliverySucceeded}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDelivery_TransientFailureSchedulesRetry(t *testing.T) {
	d := newTestDelivery(t)
	d.PullEvents()

	mustStartAttempt := func() uuid.UUID {
		t.Helper()
		if err := d.StartDispatch(testNow); err != nil {
			t.Fatalf("start dispatch: %v", err)
		}
		id, err := d.BeginAttempt(testNow)
		if err != nil {
			t.Fatalf("begin attempt: %v", err)
		}
		return id
	}

	attemptID := mustStartAttempt()

	plan, err := NewRetryPlan(testNow.Add(4*time.Second), 2, 5)
	if err != nil {
		t.Fatalf("retry plan: %v", err)
	}
	if err := d.AttemptFailed(attemptID, transientErr(), testNow, &plan); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if d.Status() != StatusRetrying {
		t.Fatalf("status = %s, want retrying", d.Status())
	}
	if d.NextRetryAt() == nil || !d.NextRetryAt().Equal(plan.NextRetryAt) {
		t.Fatalf("next_retry_at = %v, want %v", d.NextRetryAt(), plan.NextRetryAt)
	}
	if d.LastError() == nil || d.LastError().Code != "provider_unavailable" {
		t.Fatalf("last_error = %+v", d.LastError())
	}

	types := eventTypes(d)
	want := []string{EventDeliveryDispatchStart, EventDeliveryAttemptStart, EventDeliveryAttemptFailed, EventDeliveryFailed, EventDeliveryRetryPlanned}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}

	// Retry not yet due.
	if d.IsRetryDue(testNow) {
		t.Fatal("retry should not be due yet")
	}
	if !d.IsRetryDue(testNow.Add(5 * time.Second)) {
		t.Fatal("retry should be due after the plan time")
	}

	// Second dispatch succeeds.
	attemptID = mustStartAttempt()
	if err := d.AttemptSucceeded(attemptID, "msg-456", testNow.Add(5*time.Second)); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if d.Status() != StatusSent {
		t.Fatalf("status = %s", d.Status())
	}
	if d.AttemptCount() != 2 {
		t.Fatalf("attempt_count = %d", d.AttemptCount())
	}
}

func TestDelivery_PermanentFailureDeadLetters(t *testing.T) {
	d := newTestDelivery(t)
	d.PullEvents()

	if err := d.StartDispatch(testNow); err != nil {
		t.Fatalf("start dispatch: %v", err)
	}
	attemptID, err := d.BeginAttempt(testNow)
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}

	if err := d.AttemptFailed(attemptID, permanentErr(), testNow, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if d.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", d.Status())
	}
	if d.DeadLetteredAt() == nil {
		t.Fatal("dead_lettered_at should be set")
	}
	if d.NextRetryAt() != nil {
		t.Fatal("next_retry_at should be nil after dead-letter")
	}

	types := eventTypes(d)
	want := []string{EventDeliveryDispatchStart, EventDeliveryAttemptStart, EventDeliveryAttemptFailed, EventDeliveryFailed, EventDeliveryDeadLettered}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestDelivery_FinalStatesRejectMutation(t *testing.T) {
	d := newTestDelivery(t)
	d.StartDispatch(testNow)
	attemptID, _ := d.BeginAttempt(testNow)
	d.AttemptSucceeded(attemptID, "msg", testNow)

	if err := d.StartDispatch(testNow); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if err := d.Cancel(testNow); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if err := d.ChangeProvider("sns"); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDelivery_CancelFromPendingAndRetrying(t *testing.T) {
	d := newTestDelivery(t)
	if err := d.Cancel(testNow); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if d.Status() != StatusCancelled {
		t.Fatalf("status = %s", d.Status())
	}

	d2 := newTestDelivery(t)
	d2.StartDispatch(testNow)
	attemptID, _ := d2.BeginAttempt(testNow)
	plan, _ := NewRetryPlan(testNow.Add(time.Minute), 2, 5)
	d2.AttemptFailed(attemptID, transientErr(), testNow, &plan)
	if err := d2.Cancel(testNow); err != nil {
		t.Fatalf("cancel retrying: %v", err)
	}
	if d2.Status() != StatusCancelled {
		t.Fatalf("status = %s", d2.Status())
	}
}

func TestDelivery_BeginAttemptRequiresDispatching(t *testing.T) {
	d := newTestDelivery(t)
	if _, err := d.BeginAttempt(testNow); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDelivery_SingleOpenAttempt(t *testing.T) {
	d := newTestDelivery(t)
	d.StartDispatch(testNow)
	if _, err := d.BeginAttempt(testNow); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := d.BeginAttempt(testNow); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDelivery_FinalizeWrongAttempt(t *testing.T) {
	d := newTestDelivery(t)
	d.StartDispatch(testNow)
	if _, err := d.BeginAttempt(testNow); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	err := d.AttemptSucceeded(domain.NewID(), "msg", testNow)
	if !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDelivery_ChangeProviderWhilePending(t *testing.T) {
	d := newTestDelivery(t)
	if err := d.ChangeProvider("smtp"); err != nil {
		t.Fatalf("change provider: %v", err)
	}
	if d.Provider() != "smtp" {
		t.Fatalf("provider = %s", d.Provider())
	}

	d.StartDispatch(testNow)
	if err := d.ChangeProvider("ses"); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation while dispatching, got %v", err)
	}
}

func TestDelivery_RehydrateRoundTrip(t *testing.T) {
	d := newTestDelivery(t)
	d.StartDispatch(testNow)
	attemptID, _ := d.BeginAttempt(testNow)
	plan, _ := NewRetryPlan(testNow.Add(4*time.Second), 2, 5)
	d.AttemptFailed(attemptID, transientErr(), testNow, &plan)

	rec := d.ToRecord()
	restored, err := Rehydrate(rec)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	if restored.Status() != StatusRetrying {
		t.Fatalf("status = %s", restored.Status())
	}
	if restored.AttemptCount() != d.AttemptCount() {
		t.Fatalf("attempt_count = %d", restored.AttemptCount())
	}
	if restored.LastError() == nil || restored.LastError().Code != d.LastError().Code {
		t.Fatalf("last_error = %+v", restored.LastError())
	}
	if len(restored.PeekEvents()) != 0 {
		t.Fatal("rehydrated aggregate must not carry buffered events")
	}
}
