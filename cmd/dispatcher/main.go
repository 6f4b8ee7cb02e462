package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/circuitbreaker"
	"github.com/lalith-99/courier/internal/command"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/observ"
	"github.com/lalith-99/courier/internal/outbox"
	"github.com/lalith-99/courier/internal/sender"
	"github.com/lalith-99/courier/internal/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("outbox_batch_size", cfg.OutboxBatchSize),
		zap.Duration("poll_interval", cfg.OutboxPollInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	clock := domain.SystemClock{}

	uow := db.NewUnitOfWork(database, logger)
	notifications := db.NewNotificationRepository(database, logger)
	deliveries := db.NewDeliveryRepository(database, logger)
	outboxStore := db.NewOutboxStore(database, logger)
	idempotency := db.NewIdempotencyStore(database, cfg.IdempotencyTTL)

	templates := template.NewRegistry()
	if cfg.TemplatesDir != "" {
		n, err := templates.LoadDir(cfg.TemplatesDir)
		if err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
		logger.Info("templates loaded",
			zap.Int("count", n),
			zap.String("dir", cfg.TemplatesDir),
		)
	}
	retryPolicy := delivery.NewBackoffRetryPolicy()

	senders, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatch := command.NewDispatchDeliveryHandler(
		uow, deliveries, notifications, outboxStore, senders, templates, retryPolicy, clock, logger,
	)

	expire := command.NewExpireNotificationsHandler(
		uow, notifications, notifications, deliveries, deliveries, outboxStore, clock, logger,
	)

	dispatchEvent := func(ctx context.Context, event outbox.Event) error {
		id, err := deliveryIDFrom(event)
		if err != nil {
			logger.Error("malformed delivery.created payload",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			return nil // unparseable payloads never become publishable, drop them
		}
		return dispatch.Handle(ctx, id)
	}

	// With a queue configured, delivery.created flows through SQS so
	// dispatch work is shared across dispatcher instances. Without one,
	// the event drives dispatch in-process. Retries and stale pending
	// rows are picked up by the sweep loop either way.
	handlerBus := outbox.NewHandlerBus(logger)
	if cfg.SQSQueueURL == "" {
		handlerBus.Subscribe(delivery.EventDeliveryCreated, dispatchEvent)
	} else {
		consumer, err := outbox.NewSQSConsumer(ctx, outbox.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SQS consumer: %w", err)
		}
		go runQueueLoop(ctx, consumer, dispatchEvent, logger)
	}

	bus, err := buildBus(ctx, cfg, handlerBus, logger)
	if err != nil {
		return err
	}

	outboxDispatcher := outbox.NewDispatcher(outboxStore, bus, uow, clock, logger, outbox.DispatcherConfig{
		BatchSize: cfg.OutboxBatchSize,
	})

	go runOutboxLoop(ctx, outboxDispatcher, cfg.OutboxPollInterval, logger)
	go runSweepLoop(ctx, cfg, dispatch, expire, deliveries, clock, logger)
	go runIdempotencyCleanup(ctx, idempotency, clock, logger)

	<-ctx.Done()
	logger.Info("dispatcher stopped")
	return nil
}

// runOutboxLoop drains the outbox continuously. A non-empty batch means
// more work is likely waiting, so it polls again immediately; claim or
// transaction errors back off exponentially instead of hot-looping on a
// broken database.
func runOutboxLoop(ctx context.Context, d *outbox.Dispatcher, pollInterval time.Duration, logger *zap.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		published, err := d.RunOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			wait = bo.NextBackOff()
			logger.Error("outbox run failed",
				zap.Error(err),
				zap.Duration("retry_in", wait),
			)
		case published > 0:
			bo.Reset()
			continue
		default:
			bo.Reset()
			wait = pollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runSweepLoop periodically re-drives deliveries the event path missed:
// retries whose due time arrived, pending rows orphaned by a crash
// between commit and publish, and scheduled notifications past their
// expiry.
func runSweepLoop(
	ctx context.Context,
	cfg *config.Config,
	dispatch *command.DispatchDeliveryHandler,
	expire *command.ExpireNotificationsHandler,
	deliveries *db.DeliveryRepository,
	clock domain.Clock,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := clock.Now()

		due, err := deliveries.FindRetryDue(ctx, now, cfg.SweepBatchSize)
		if err != nil {
			logger.Error("retry sweep query failed", zap.Error(err))
		} else {
			dispatchEach(ctx, dispatch, due, logger)
		}

		pending, err := deliveries.FindDispatchable(ctx, now, cfg.SweepBatchSize)
		if err != nil {
			logger.Error("pending sweep query failed", zap.Error(err))
		} else {
			dispatchEach(ctx, dispatch, pending, logger)
		}

		expired, err := expire.Handle(ctx, cfg.SweepBatchSize)
		if err != nil {
			logger.Error("expiry sweep failed", zap.Error(err))
		} else if expired > 0 {
			logger.Info("expired scheduled notifications", zap.Int("count", expired))
		}
	}
}

func dispatchEach(ctx context.Context, dispatch *command.DispatchDeliveryHandler, ids []uuid.UUID, logger *zap.Logger) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := dispatch.Handle(ctx, id); err != nil {
			logger.Error("sweep dispatch failed",
				zap.String("delivery_id", id.String()),
				zap.Error(err),
			)
		}
	}
}

// runQueueLoop consumes outbox events off SQS and hands delivery.created
// to the dispatch handler. Other event types are acknowledged untouched,
// they are on the queue for downstream consumers. A failed dispatch
// leaves the message in flight; SQS redelivers it after the shortened
// visibility timeout and DispatchDelivery's no-op guards absorb any
// duplicate delivery.
func runQueueLoop(ctx context.Context, consumer *outbox.SQSConsumer, handle outbox.Handler, logger *zap.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		event, receipt, err := consumer.Receive(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			logger.Error("queue receive failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if event == nil {
			continue
		}

		if event.Type != delivery.EventDeliveryCreated {
			if err := consumer.Delete(ctx, receipt); err != nil {
				logger.Error("queue ack failed", zap.String("event_id", event.ID.String()), zap.Error(err))
			}
			continue
		}

		if err := handle(ctx, *event); err != nil {
			logger.Error("queue dispatch failed",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			if err := consumer.ChangeVisibility(ctx, receipt, 30); err != nil {
				logger.Error("queue visibility change failed", zap.String("event_id", event.ID.String()), zap.Error(err))
			}
			continue
		}
		if err := consumer.Delete(ctx, receipt); err != nil {
			logger.Error("queue ack failed", zap.String("event_id", event.ID.String()), zap.Error(err))
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, store *db.IdempotencyStore, clock domain.Clock, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		deleted, err := store.DeleteExpired(ctx, clock.Now())
		if err != nil {
			logger.Error("idempotency cleanup failed", zap.Error(err))
			continue
		}
		if deleted > 0 {
			logger.Info("expired idempotency keys removed", zap.Int64("count", deleted))
		}
	}
}

// buildBus composes the in-process handler bus with any configured
// external transports. External targets receive every outbox event for
// downstream consumers.
func buildBus(ctx context.Context, cfg *config.Config, handlerBus *outbox.HandlerBus, logger *zap.Logger) (outbox.Bus, error) {
	buses := []outbox.Bus{handlerBus}

	if cfg.SQSQueueURL != "" {
		sqsBus, err := outbox.NewSQSBus(ctx, outbox.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS bus: %w", err)
		}
		buses = append(buses, sqsBus)
	}

	if cfg.SNSTopicARN != "" {
		snsBus, err := outbox.NewSNSTopicBus(ctx, cfg.SNSTopicARN)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS bus: %w", err)
		}
		buses = append(buses, snsBus)
	}

	if len(buses) == 1 {
		return handlerBus, nil
	}
	return outbox.NewMultiBus(buses...), nil
}

func deliveryIDFrom(event outbox.Event) (uuid.UUID, error) {
	var payload struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(payload.DeliveryID)
}

func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (sender.ChannelSender, error) {
	var list []sender.ChannelSender

	ses, err := sender.NewSESSender(ctx, sender.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}
	list = append(list, sender.NewProtectedSender(
		ses,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
		logger,
	))

	sns, err := sender.NewSNSSender(ctx, sender.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS deliveries disabled", zap.Error(err))
	} else {
		list = append(list, sender.NewProtectedSender(
			sns,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger),
			logger,
		))
	}

	webhook := sender.NewWebhookSender(sender.WebhookConfig{
		Channel:        "webhook",
		DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, logger)
	list = append(list, sender.NewProtectedSender(
		webhook,
		circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger),
		logger,
	))

	list = append(list, sender.NewLogSender(logger))

	return sender.NewRegistry(logger, list...), nil
}
