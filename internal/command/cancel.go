package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/metrics"
)

// DeliveryLister finds the deliveries belonging to a notification.
type DeliveryLister interface {
	FindByNotification(ctx context.Context, notificationID uuid.UUID) ([]uuid.UUID, error)
}

// ExpiredFinder enumerates scheduled notifications whose expiry passed.
type ExpiredFinder interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// CancelNotificationHandler cancels a notification and every non-final
// delivery fanned out from it, in one transaction. Deliveries already
// SENT or FAILED stay as they are; cancellation is not a recall.
type CancelNotificationHandler struct {
	tx            TxRunner
	notifications NotificationRepo
	deliveries    DeliveryRepo
	lister        DeliveryLister
	outbox        OutboxEnqueuer
	clock         domain.Clock
	logger        *zap.Logger
}

func NewCancelNotificationHandler(
	tx TxRunner,
	notifications NotificationRepo,
	deliveries DeliveryRepo,
	lister DeliveryLister,
	outbox OutboxEnqueuer,
	clock domain.Clock,
	logger *zap.Logger,
) *CancelNotificationHandler {
	return &CancelNotificationHandler{
		tx:            tx,
		notifications: notifications,
		deliveries:    deliveries,
		lister:        lister,
		outbox:        outbox,
		clock:         clock,
		logger:        logger,
	}
}

func (h *CancelNotificationHandler) Handle(ctx context.Context, notificationID uuid.UUID, reason string) error {
	return h.tx.Transactional(ctx, func(ctx context.Context) error {
		notif, err := h.notifications.Get(ctx, notificationID)
		if err != nil {
			return fmt.Errorf("load notification %s: %w", notificationID, err)
		}

		now := h.clock.Now()
		if err := notif.Cancel(reason, now); err != nil {
			return err
		}
		if err := h.notifications.Save(ctx, notif); err != nil {
			return fmt.Errorf("save notification: %w", err)
		}
		if err := h.outbox.Enqueue(ctx, notif.PullEvents()...); err != nil {
			return err
		}

		deliveryIDs, err := h.lister.FindByNotification(ctx, notificationID)
		if err != nil {
			return err
		}
		for _, id := range deliveryIDs {
			d, err := h.deliveries.GetForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("load delivery %s: %w", id, err)
			}
			if d.Status().IsFinal() || d.Status() == delivery.StatusDispatching {
				// An in-flight attempt runs to completion; we only
				// cancel deliveries that are waiting.
				continue
			}
			if err := d.Cancel(now); err != nil {
				return err
			}
			if err := h.deliveries.Save(ctx, d); err != nil {
				return fmt.Errorf("save delivery %s: %w", id, err)
			}
			if err := h.outbox.Enqueue(ctx, d.PullEvents()...); err != nil {
				return err
			}
			metrics.RecordDeliveryFinalized(string(delivery.StatusCancelled), d.Channel().String())
		}

		h.logger.Info("notification cancelled",
			zap.String("notification_id", notificationID.String()),
			zap.String("reason", reason),
		)
		return nil
	})
}

// ExpireNotificationsHandler sweeps scheduled notifications whose expiry
// has passed, marking each expired and cancelling its pending
// deliveries. Returns how many notifications were expired.
type ExpireNotificationsHandler struct {
	tx            TxRunner
	notifications NotificationRepo
	finder        ExpiredFinder
	deliveries    DeliveryRepo
	lister        DeliveryLister
	outbox        OutboxEnqueuer
	clock         domain.Clock
	logger        *zap.Logger
}

func NewExpireNotificationsHandler(
	tx TxRunner,
	notifications NotificationRepo,
	finder ExpiredFinder,
	deliveries DeliveryRepo,
	lister DeliveryLister,
	outbox OutboxEnqueuer,
	clock domain.Clock,
	logger *zap.Logger,
) *ExpireNotificationsHandler {
	return &ExpireNotificationsHandler{
		tx:            tx,
		notifications: notifications,
		finder:        finder,
		deliveries:    deliveries,
		lister:        lister,
		outbox:        outbox,
		clock:         clock,
		logger:        logger,
	}
}

func (h *ExpireNotificationsHandler) Handle(ctx context.Context, limit int) (int, error) {
	now := h.clock.Now()
	ids, err := h.finder.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		// One transaction per notification so a single bad row does not
		// hold up the sweep.
		err := h.tx.Transactional(ctx, func(ctx context.Context) error {
			notif, err := h.notifications.Get(ctx, id)
			if err != nil {
				return err
			}
			sched := notif.Schedule()
			if notif.Status().IsFinal() || sched == nil || !sched.IsExpiredAt(now) {
				return nil
			}
			if err := notif.MarkExpired(now); err != nil {
				return err
			}
			if err := h.notifications.Save(ctx, notif); err != nil {
				return err
			}
			if err := h.outbox.Enqueue(ctx, notif.PullEvents()...); err != nil {
				return err
			}

			deliveryIDs, err := h.lister.FindByNotification(ctx, id)
			if err != nil {
				return err
			}
			for _, did := range deliveryIDs {
				d, err := h.deliveries.GetForUpdate(ctx, did)
				if err != nil {
					return err
				}
				if d.Status().IsFinal() || d.Status() == delivery.StatusDispatching {
					continue
				}
				if err := d.Cancel(now); err != nil {
					return err
				}
				if err := h.deliveries.Save(ctx, d); err != nil {
					return err
				}
				if err := h.outbox.Enqueue(ctx, d.PullEvents()...); err != nil {
					return err
				}
			}
			expired++
			return nil
		})
		if err != nil {
			h.logger.Error("failed to expire notification",
				zap.String("notification_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return expired, nil
}
