package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/metrics"
	"github.com/lalith-99/courier/internal/notification"
	"github.com/lalith-99/courier/internal/sender"
	"github.com/lalith-99/courier/internal/template"
)

const idempotencyScopeSendNow = "send_now"

// errIdempotencyRace signals that another transaction stored a result
// for the same key first; the loser rolls back and re-reads.
var errIdempotencyRace = errors.New("idempotency key stored concurrently")

// MaterializationMode controls when template content is turned into
// channel-ready payloads.
type MaterializationMode string

const (
	// MaterializeSnapshot renders templates at SendNow time, freezing
	// the content on the delivery.
	MaterializeSnapshot MaterializationMode = "snapshot"
	// MaterializeTemplateRef stores the template reference and renders
	// at dispatch time.
	MaterializeTemplateRef MaterializationMode = "template_ref"
)

// SendNowCommand is one logical send request. All domain values arrive
// pre-validated through their constructors.
type SendNowCommand struct {
	Recipient        notification.Recipient
	Channels         notification.ChannelSet
	Content          notification.Content
	AddressOverrides map[domain.Channel]delivery.Address
	CorrelationID    uuid.UUID
	IdempotencyKey   string
	Tags             []string
	Schedule         *notification.Schedule

	// DispatchSynchronously runs DispatchDelivery for each created
	// delivery after the transaction commits. Dispatch failures are
	// logged; the committed notification state stands.
	DispatchSynchronously bool
}

// SendNowResult is returned to the caller and, when an idempotency key
// is present, stored verbatim for replays.
type SendNowResult struct {
	NotificationID uuid.UUID   `json:"notification_id"`
	DeliveryIDs    []uuid.UUID `json:"delivery_ids"`
}

// SendNowHandler creates a Notification plus one PENDING Delivery per
// requested channel and enqueues all their events to the outbox, in a
// single transaction.
type SendNowHandler struct {
	tx            TxRunner
	notifications NotificationRepo
	deliveries    DeliveryRepo
	outbox        OutboxEnqueuer
	idempotency   IdempotencyStore
	routing       delivery.RoutingPolicy
	renderer      template.Renderer
	mode          MaterializationMode
	clock         domain.Clock
	logger        *zap.Logger
	dispatcher    *DispatchDeliveryHandler
}

type SendNowConfig struct {
	Mode MaterializationMode
}

func NewSendNowHandler(
	tx TxRunner,
	notifications NotificationRepo,
	deliveries DeliveryRepo,
	outbox OutboxEnqueuer,
	idempotency IdempotencyStore,
	routing delivery.RoutingPolicy,
	renderer template.Renderer,
	clock domain.Clock,
	logger *zap.Logger,
	dispatcher *DispatchDeliveryHandler,
	cfg SendNowConfig,
) *SendNowHandler {
	mode := cfg.Mode
	if mode == "" {
		mode = MaterializeTemplateRef
	}
	return &SendNowHandler{
		tx:            tx,
		notifications: notifications,
		deliveries:    deliveries,
		outbox:        outbox,
		idempotency:   idempotency,
		routing:       routing,
		renderer:      renderer,
		mode:          mode,
		clock:         clock,
		logger:        logger,
		dispatcher:    dispatcher,
	}
}

// Handle runs the SendNow command. With an idempotency key, a replay
// returns the original result without side effects.
func (h *SendNowHandler) Handle(ctx context.Context, cmd SendNowCommand) (SendNowResult, error) {
	if cmd.IdempotencyKey != "" {
		if result, ok, err := h.storedResult(ctx, cmd.IdempotencyKey); err != nil {
			return SendNowResult{}, err
		} else if ok {
			metrics.RecordIdempotencyReplay()
			return result, nil
		}
	}

	result, err := h.execute(ctx, cmd)
	if errors.Is(err, errIdempotencyRace) {
		// Lost the first-writer race: the winner's transaction holds
		// the canonical result.
		metrics.RecordIdempotencyReplay()
		stored, ok, readErr := h.storedResult(ctx, cmd.IdempotencyKey)
		if readErr != nil {
			return SendNowResult{}, readErr
		}
		if !ok {
			return SendNowResult{}, fmt.Errorf("idempotency key %q raced but no stored result found", cmd.IdempotencyKey)
		}
		return stored, nil
	}
	if err != nil {
		return SendNowResult{}, err
	}

	if cmd.DispatchSynchronously && h.dispatcher != nil {
		h.dispatchNow(ctx, result.DeliveryIDs)
	}
	return result, nil
}

func (h *SendNowHandler) execute(ctx context.Context, cmd SendNowCommand) (SendNowResult, error) {
	var result SendNowResult

	err := h.tx.Transactional(ctx, func(ctx context.Context) error {
		now := h.clock.Now()

		correlationID := cmd.CorrelationID
		if correlationID == uuid.Nil {
			correlationID = domain.NewID()
		}

		notif, err := notification.Request(
			domain.NewID(),
			cmd.Recipient,
			cmd.Channels,
			cmd.Content,
			correlationID,
			now,
			cmd.IdempotencyKey,
			cmd.Schedule,
			cmd.Tags,
		)
		if err != nil {
			return err
		}
		if err := h.notifications.Create(ctx, notif); err != nil {
			return fmt.Errorf("persist notification: %w", err)
		}

		deliveryIDs := make([]uuid.UUID, 0, len(cmd.Channels))
		for _, ch := range cmd.Channels {
			addr, err := h.resolveAddress(ch, cmd)
			if err != nil {
				return err
			}
			route, err := h.routing.ChooseProvider(ch, addr)
			if err != nil {
				return err
			}
			content, err := h.materialize(ctx, ch, cmd.Content)
			if err != nil {
				return err
			}

			d, err := delivery.New(domain.NewID(), notif.ID(), ch, route.Provider, addr, content, correlationID, now)
			if err != nil {
				return err
			}
			if err := h.deliveries.Create(ctx, d); err != nil {
				return fmt.Errorf("persist delivery: %w", err)
			}
			if err := h.outbox.Enqueue(ctx, d.PullEvents()...); err != nil {
				return err
			}
			metrics.RecordDeliveryCreated(ch.String())
			deliveryIDs = append(deliveryIDs, d.ID())
		}

		if err := h.outbox.Enqueue(ctx, notif.PullEvents()...); err != nil {
			return err
		}

		result = SendNowResult{NotificationID: notif.ID(), DeliveryIDs: deliveryIDs}

		if cmd.IdempotencyKey != "" {
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal send result: %w", err)
			}
			inserted, err := h.idempotency.Put(ctx, idempotencyScopeSendNow, cmd.IdempotencyKey, raw, now)
			if err != nil {
				return err
			}
			if !inserted {
				return errIdempotencyRace
			}
		}
		return nil
	})
	if err != nil {
		return SendNowResult{}, err
	}
	return result, nil
}

func (h *SendNowHandler) storedResult(ctx context.Context, key string) (SendNowResult, bool, error) {
	raw, err := h.idempotency.Get(ctx, idempotencyScopeSendNow, key, h.clock.Now())
	if err != nil {
		return SendNowResult{}, false, err
	}
	if raw == nil {
		return SendNowResult{}, false, nil
	}

	var result SendNowResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SendNowResult{}, false, fmt.Errorf("decode stored result for key %q: %w", key, err)
	}
	return result, true, nil
}

// resolveAddress takes the per-channel override when present, otherwise
// derives the address from the recipient. Custom channels have no
// recipient field to fall back on.
func (h *SendNowHandler) resolveAddress(ch domain.Channel, cmd SendNowCommand) (delivery.Address, error) {
	if addr, ok := cmd.AddressOverrides[ch]; ok {
		if addr.Channel() != ch {
			return delivery.Address{}, domain.Invariant("address override for channel %q targets channel %q", ch, addr.Channel())
		}
		return addr, nil
	}

	r := cmd.Recipient
	switch {
	case ch.IsEmail():
		return delivery.NewEmailAddress(r.Email)
	case ch.IsSMS():
		return delivery.NewSMSAddress(r.Phone)
	case ch.IsPush():
		if r.PushTarget == nil {
			return delivery.Address{}, domain.Invariant("recipient push target is required for the push channel")
		}
		return delivery.NewPushAddress(r.PushTarget.UserID, r.PushTarget.DeviceToken)
	default:
		return delivery.Address{}, domain.Invariant("custom channel %q requires an address override", ch)
	}
}

// materialize converts notification content into the delivery's stored
// content for one channel. Inline content always snapshots; template
// content either renders now or carries the reference, per mode.
func (h *SendNowHandler) materialize(ctx context.Context, ch domain.Channel, content notification.Content) (delivery.Content, error) {
	if content.Kind == notification.ContentTemplate {
		if h.mode == MaterializeTemplateRef {
			return delivery.NewTemplateRefContent(ch, content.Template, content.Variables)
		}
		rendered, err := h.renderer.Render(ctx, ch, content.Template, content.Variables)
		if err != nil {
			return delivery.Content{}, err
		}
		return snapshotFromRendered(ch, rendered)
	}

	var payload any
	switch {
	case ch.IsEmail():
		payload = sender.EmailPayload{Subject: content.Subject, TextBody: content.Text, HTMLBody: content.HTML}
	case ch.IsSMS():
		payload = sender.SMSPayload{Text: content.Text}
	case ch.IsPush():
		payload = sender.PushPayload{Title: content.PushTitle, Body: content.PushBody, Data: content.PushData}
	default:
		payload = content
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return delivery.Content{}, fmt.Errorf("marshal inline content: %w", err)
	}
	if ch.IsBuiltIn() {
		return delivery.NewSnapshotContent(ch, raw)
	}
	return delivery.NewCustomContent(ch, raw)
}

// dispatchNow runs DispatchDelivery for each delivery after commit.
// Failures here do not unwind the committed state; the sweepers will
// pick the deliveries up again.
func (h *SendNowHandler) dispatchNow(ctx context.Context, deliveryIDs []uuid.UUID) {
	for _, id := range deliveryIDs {
		if err := h.dispatcher.Handle(ctx, id); err != nil {
			h.logger.Error("synchronous dispatch failed",
				zap.String("delivery_id", id.String()),
				zap.Error(err),
			)
		}
	}
}
