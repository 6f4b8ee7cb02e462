package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/metrics"
	"github.com/lalith-99/courier/internal/sender"
	"github.com/lalith-99/courier/internal/template"
)

// DispatchDeliveryHandler advances one delivery's state machine by a
// single attempt. Idempotent: re-delivery of the command for an
// already-final delivery is a no-op, and a RETRYING delivery whose
// retry time has not arrived is left untouched.
type DispatchDeliveryHandler struct {
	tx            TxRunner
	deliveries    DeliveryRepo
	notifications NotificationGetter
	outbox        OutboxEnqueuer
	senders       sender.ChannelSender
	renderer      template.Renderer
	retryPolicy   delivery.RetryPolicy
	clock         domain.Clock
	logger        *zap.Logger
}

func NewDispatchDeliveryHandler(
	tx TxRunner,
	deliveries DeliveryRepo,
	notifications NotificationGetter,
	outbox OutboxEnqueuer,
	senders sender.ChannelSender,
	renderer template.Renderer,
	retryPolicy delivery.RetryPolicy,
	clock domain.Clock,
	logger *zap.Logger,
) *DispatchDeliveryHandler {
	return &DispatchDeliveryHandler{
		tx:            tx,
		deliveries:    deliveries,
		notifications: notifications,
		outbox:        outbox,
		senders:       senders,
		renderer:      renderer,
		retryPolicy:   retryPolicy,
		clock:         clock,
		logger:        logger,
	}
}

// Handle executes one dispatch cycle for the delivery. The whole cycle,
// including the synchronous sender call, runs inside the transaction
// that holds the delivery's row lock, so concurrent dispatches of the
// same id serialize and the loser sees the final state.
func (h *DispatchDeliveryHandler) Handle(ctx context.Context, deliveryID uuid.UUID) error {
	return h.tx.Transactional(ctx, func(ctx context.Context) error {
		d, err := h.deliveries.GetForUpdate(ctx, deliveryID)
		if err != nil {
			return fmt.Errorf("load delivery %s: %w", deliveryID, err)
		}

		now := h.clock.Now()

		if d.Status().IsFinal() {
			h.logger.Debug("delivery already final, skipping dispatch",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("status", string(d.Status())),
			)
			return nil
		}
		if d.Status() == delivery.StatusRetrying && !d.IsRetryDue(now) {
			h.logger.Debug("retry not yet due, skipping dispatch",
				zap.String("delivery_id", deliveryID.String()),
			)
			return nil
		}

		notif, err := h.notifications.Get(ctx, d.NotificationID())
		if err != nil {
			return fmt.Errorf("load notification %s: %w", d.NotificationID(), err)
		}
		if sched := notif.Schedule(); sched != nil && sched.SendAt.After(now) {
			// Scheduled sends stay parked until send_at; the pending
			// sweep re-drives them once due.
			h.logger.Debug("scheduled send not due, skipping dispatch",
				zap.String("delivery_id", deliveryID.String()),
				zap.Time("send_at", sched.SendAt),
			)
			return nil
		}

		if err := d.StartDispatch(now); err != nil {
			return err
		}
		attemptID, err := d.BeginAttempt(now)
		if err != nil {
			return err
		}

		msgID, sendErr := h.attempt(ctx, d)
		now = h.clock.Now()

		channel := d.Channel().String()
		if sendErr == nil {
			if err := d.AttemptSucceeded(attemptID, msgID, now); err != nil {
				return err
			}
			metrics.RecordDeliveryFinalized(string(delivery.StatusSent), channel)
		} else {
			errInfo := sender.MapError(sendErr)
			plan := h.retryPolicy.PlanRetry(d.Channel(), d.AttemptCount(), errInfo, now)
			if err := d.AttemptFailed(attemptID, errInfo, now, plan); err != nil {
				return err
			}

			h.logger.Warn("delivery attempt failed",
				zap.String("delivery_id", deliveryID.String()),
				zap.String("channel", channel),
				zap.String("error_code", errInfo.Code),
				zap.Bool("transient", errInfo.Transient),
				zap.Bool("will_retry", plan != nil),
			)
			if plan == nil {
				metrics.RecordDeliveryFinalized(string(delivery.StatusFailed), channel)
			}
		}

		if err := h.deliveries.Save(ctx, d); err != nil {
			return fmt.Errorf("save delivery %s: %w", deliveryID, err)
		}
		return h.outbox.Enqueue(ctx, d.PullEvents()...)
	})
}

// attempt materializes template content and invokes the sender. The
// returned error is raw; classification happens in the caller.
func (h *DispatchDeliveryHandler) attempt(ctx context.Context, d *delivery.Delivery) (string, error) {
	content := d.Content()

	// Template references render at dispatch time so the send reflects
	// the current template, not the one from enqueue time.
	if content.Kind == delivery.ContentTemplateRef {
		rendered, err := h.renderer.Render(ctx, d.Channel(), content.Template, content.Variables)
		if err != nil {
			return "", err
		}
		snapshot, err := snapshotFromRendered(d.Channel(), rendered)
		if err != nil {
			return "", err
		}
		content = snapshot
	}

	start := time.Now()
	msgID, err := h.senders.Send(ctx, d.Address(), content)
	outcome := "success"
	if err != nil {
		outcome = "transient_failure"
		if !sender.MapError(err).Transient {
			outcome = "permanent_failure"
		}
	}
	metrics.RecordDispatchAttempt(d.Channel().String(), outcome, time.Since(start))
	return msgID, err
}

func snapshotFromRendered(channel domain.Channel, msg *template.RenderedMessage) (delivery.Content, error) {
	var payload any
	switch {
	case channel.IsEmail():
		payload = sender.EmailPayload{Subject: msg.Subject, TextBody: msg.TextBody, HTMLBody: msg.HTMLBody}
	case channel.IsSMS():
		payload = sender.SMSPayload{Text: msg.TextBody}
	case channel.IsPush():
		payload = sender.PushPayload{Title: msg.PushTitle, Body: msg.PushBody, Data: msg.PushData}
	default:
		payload = msg
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return delivery.Content{}, fmt.Errorf("marshal rendered content: %w", err)
	}
	if channel.IsBuiltIn() {
		return delivery.NewSnapshotContent(channel, raw)
	}
	return delivery.NewCustomContent(channel, raw)
}
