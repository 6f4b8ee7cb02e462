package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/api"
	"github.com/lalith-99/courier/internal/circuitbreaker"
	"github.com/lalith-99/courier/internal/command"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/metrics"
	"github.com/lalith-99/courier/internal/observ"
	"github.com/lalith-99/courier/internal/redis"
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
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	clock := domain.SystemClock{}

	// Persistence
	uow := db.NewUnitOfWork(database, logger)
	notifications := db.NewNotificationRepository(database, logger)
	deliveries := db.NewDeliveryRepository(database, logger)
	outboxStore := db.NewOutboxStore(database, logger)
	idempotency := db.NewIdempotencyStore(database, cfg.IdempotencyTTL)

	// Initialize Redis for rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

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

	senders, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	routing := delivery.NewConfigRoutingPolicy(map[domain.Channel]delivery.Route{
		domain.ChannelEmail: {Provider: "ses"},
		domain.ChannelSMS:   {Provider: "sns"},
		domain.ChannelPush:  {Provider: "log"},
		"webhook":           {Provider: "webhook"},
	})

	retryPolicy := delivery.NewBackoffRetryPolicy()

	// Synchronous dispatch path for dispatch_synchronously requests.
	dispatch := command.NewDispatchDeliveryHandler(
		uow, deliveries, notifications, outboxStore, senders, templates, retryPolicy, clock, logger,
	)

	sendNow := command.NewSendNowHandler(
		uow, notifications, deliveries, outboxStore, idempotency,
		routing, templates, clock, logger, dispatch,
		command.SendNowConfig{Mode: command.MaterializationMode(cfg.MaterializationMode)},
	)

	cancel := command.NewCancelNotificationHandler(
		uow, notifications, deliveries, deliveries, outboxStore, clock, logger,
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, sendNow, cancel, deliveries, notifications)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/notifications", handler.SendNotification)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/cancel", handler.CancelNotification)
		r.Get("/deliveries/{id}", handler.GetDelivery)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "db unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// buildSenders assembles the channel sender registry with each provider
// behind its own circuit breaker.
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

	// LogSender accepts any channel; it backs push until a real push
	// provider lands and keeps development environments self-contained.
	list = append(list, sender.NewLogSender(logger))

	logger.Info("initialized channel senders",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", sns != nil),
		zap.Bool("webhook_enabled", true),
	)

	return sender.NewRegistry(logger, list...), nil
}
