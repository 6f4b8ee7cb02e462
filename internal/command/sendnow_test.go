package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/notification"
	"github.com/lalith-99/courier/internal/template"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sendNowFixture struct {
	handler       *SendNowHandler
	notifications *fakeNotificationRepo
	deliveries    *fakeDeliveryRepo
	outbox        *fakeOutbox
	idempotency   *fakeIdempotency
	templates     *template.Registry
}

func newSendNowFixture(t *testing.T, mode MaterializationMode) *sendNowFixture {
	t.Helper()

	f := &sendNowFixture{
		notifications: newFakeNotificationRepo(),
		deliveries:    newFakeDeliveryRepo(),
		outbox:        &fakeOutbox{},
		idempotency:   newFakeIdempotency(),
		templates:     template.NewRegistry(),
	}

	routing := delivery.NewConfigRoutingPolicy(map[domain.Channel]delivery.Route{
		domain.ChannelEmail: {Provider: "ses"},
		domain.ChannelSMS:   {Provider: "sns"},
		domain.ChannelPush:  {Provider: "log"},
		"webhook":           {Provider: "webhook"},
	})

	f.handler = NewSendNowHandler(
		&fakeTx{}, f.notifications, f.deliveries, f.outbox, f.idempotency,
		routing, f.templates, domain.FixedClock{Instant: testNow}, zap.NewNop(),
		nil, SendNowConfig{Mode: mode},
	)
	return f
}

func sendNowCommand(t *testing.T, channels ...string) SendNowCommand {
	t.Helper()
	recipient, err := notification.NewRecipient("alice@example.com", "+15551230042", &notification.PushTarget{UserID: "user-1"}, "en", "")
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	set, err := notification.NewChannelSet(channels...)
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	content, err := notification.NewInlineContent("Welcome", "Hello", "", "Welcome", "Hi", nil)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	return SendNowCommand{Recipient: recipient, Channels: set, Content: content}
}

func TestSendNow_CreatesDeliveryPerChannel(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	result, err := f.handler.Handle(context.Background(), sendNowCommand(t, "email", "sms"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.DeliveryIDs) != 2 {
		t.Fatalf("delivery ids = %d", len(result.DeliveryIDs))
	}

	if len(f.notifications.records) != 1 {
		t.Fatalf("notifications = %d", len(f.notifications.records))
	}
	for _, id := range result.DeliveryIDs {
		if got := f.deliveries.status(id); got != delivery.StatusPending {
			t.Fatalf("delivery %s status = %s", id, got)
		}
	}

	if got := f.outbox.countType(delivery.EventDeliveryCreated); got != 2 {
		t.Fatalf("delivery.created events = %d", got)
	}
	if got := f.outbox.countType(notification.EventRequested); got != 1 {
		t.Fatalf("notification.requested events = %d", got)
	}
}

func TestSendNow_ProvidersFollowRouting(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	result, err := f.handler.Handle(context.Background(), sendNowCommand(t, "email", "sms"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	providers := map[domain.Channel]string{}
	for _, id := range result.DeliveryIDs {
		d, _ := f.deliveries.Get(context.Background(), id)
		providers[d.Channel()] = d.Provider()
	}
	if providers[domain.ChannelEmail] != "ses" || providers[domain.ChannelSMS] != "sns" {
		t.Fatalf("providers = %v", providers)
	}
}

func TestSendNow_IdempotentReplay(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	cmd := sendNowCommand(t, "email")
	cmd.IdempotencyKey = "key-1"

	first, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.NotificationID != first.NotificationID {
		t.Fatalf("replay returned %s, want %s", second.NotificationID, first.NotificationID)
	}
	if len(f.notifications.records) != 1 {
		t.Fatalf("replay created a second notification: %d", len(f.notifications.records))
	}
	if got := f.outbox.countType(delivery.EventDeliveryCreated); got != 1 {
		t.Fatalf("replay enqueued extra events: %d", got)
	}
}

func TestSendNow_LostRaceReadsWinnersResult(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	// The winner's transaction committed between our probe read and
	// our Put: the probe misses, the insert loses, the re-read finds
	// the winner's result.
	winner := SendNowResult{NotificationID: domain.NewID(), DeliveryIDs: []uuid.UUID{domain.NewID()}}
	raw, err := json.Marshal(winner)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.idempotency.stored[idempotencyScopeSendNow+"/key-race"] = raw
	f.idempotency.missGets = 1
	f.idempotency.putFail = true

	cmd := sendNowCommand(t, "email")
	cmd.IdempotencyKey = "key-race"

	got, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got.NotificationID != winner.NotificationID {
		t.Fatalf("result = %s, want winner's %s", got.NotificationID, winner.NotificationID)
	}
}

func TestSendNow_AddressOverride(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	override, err := delivery.NewEmailAddress("billing@example.com")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	cmd := sendNowCommand(t, "email")
	cmd.AddressOverrides = map[domain.Channel]delivery.Address{domain.ChannelEmail: override}

	result, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	d, _ := f.deliveries.Get(context.Background(), result.DeliveryIDs[0])
	if d.Address().Email != "billing@example.com" {
		t.Fatalf("address = %s", d.Address().Email)
	}
}

func TestSendNow_OverrideChannelMismatchRejected(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	smsAddr, _ := delivery.NewSMSAddress("+15551230042")
	cmd := sendNowCommand(t, "email")
	cmd.AddressOverrides = map[domain.Channel]delivery.Address{domain.ChannelEmail: smsAddr}

	_, err := f.handler.Handle(context.Background(), cmd)
	if !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if got := f.outbox.countType(delivery.EventDeliveryCreated); got != 0 {
		t.Fatalf("failed command enqueued %d delivery events", got)
	}
}

func TestSendNow_CustomChannelNeedsOverride(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	recipient, _ := notification.NewRecipient("alice@example.com", "", nil, "", "")
	set, _ := notification.NewChannelSet("webhook")
	content, _ := notification.NewInlineContent("s", "t", "", "", "", nil)
	cmd := SendNowCommand{Recipient: recipient, Channels: set, Content: content}

	if _, err := f.handler.Handle(context.Background(), cmd); !domain.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}

	webhookAddr, _ := delivery.NewCustomAddress("webhook", json.RawMessage(`{"url":"https://example.com/hook"}`))
	cmd.AddressOverrides = map[domain.Channel]delivery.Address{"webhook": webhookAddr}
	if _, err := f.handler.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("handle with override: %v", err)
	}
}

func TestSendNow_TemplateRefModeStoresReference(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	cmd := sendNowCommand(t, "email")
	tmpl, _ := notification.NewTemplateContent(domain.TemplateRef{TemplateID: "welcome", Version: 1}, map[string]any{"name": "Alice"})
	cmd.Content = tmpl

	result, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	d, _ := f.deliveries.Get(context.Background(), result.DeliveryIDs[0])
	if d.Content().Kind != delivery.ContentTemplateRef {
		t.Fatalf("content kind = %s", d.Content().Kind)
	}
	if d.Content().Template.TemplateID != "welcome" {
		t.Fatalf("template = %+v", d.Content().Template)
	}
}

func TestSendNow_SnapshotModeRendersNow(t *testing.T) {
	f := newSendNowFixture(t, MaterializeSnapshot)
	f.templates.Register(template.Definition{
		TemplateID: "welcome", Version: 1, Channel: domain.ChannelEmail,
		Subject: "Hi {{.name}}", TextBody: "Welcome {{.name}}",
	})

	cmd := sendNowCommand(t, "email")
	tmpl, _ := notification.NewTemplateContent(domain.TemplateRef{TemplateID: "welcome", Version: 1}, map[string]any{"name": "Alice"})
	cmd.Content = tmpl

	result, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	d, _ := f.deliveries.Get(context.Background(), result.DeliveryIDs[0])
	if d.Content().Kind != delivery.ContentSnapshot {
		t.Fatalf("content kind = %s", d.Content().Kind)
	}
	if string(d.Content().Payload) == "" || !json.Valid(d.Content().Payload) {
		t.Fatalf("payload = %s", d.Content().Payload)
	}
	var payload struct {
		Subject string `json:"subject"`
	}
	json.Unmarshal(d.Content().Payload, &payload)
	if payload.Subject != "Hi Alice" {
		t.Fatalf("subject = %q", payload.Subject)
	}
}

func TestSendNow_ScheduledNotificationStaysPending(t *testing.T) {
	f := newSendNowFixture(t, MaterializeTemplateRef)

	cmd := sendNowCommand(t, "email")
	cmd.Schedule = &notification.Schedule{SendAt: testNow.Add(time.Hour)}

	result, err := f.handler.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	notif, _ := f.notifications.Get(context.Background(), result.NotificationID)
	if notif.Status() != notification.StatusScheduled {
		t.Fatalf("status = %s", notif.Status())
	}
	if got := f.outbox.countType(notification.EventScheduled); got != 1 {
		t.Fatalf("scheduled events = %d", got)
	}
}
