package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_created_total",
			Help: "Deliveries created by channel",
		},
		[]string{"channel"},
	)

	deliveriesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_finalized_total",
			Help: "Deliveries reaching a final status, by status and channel",
		},
		[]string{"status", "channel"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_attempts_total",
			Help: "Send attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_latency_seconds",
			Help:    "Time spent inside a single send attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_outbox_published_total",
			Help: "Outbox events published downstream, by event type",
		},
		[]string{"event_type"},
	)

	outboxPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_outbox_publish_failures_total",
			Help: "Failed outbox publish attempts, by event type",
		},
		[]string{"event_type"},
	)

	outboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_outbox_backlog",
			Help: "Unpublished outbox rows at last poll",
		},
	)

	idempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_replays_total",
			Help: "Commands answered from a stored idempotency result",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeliveryCreated records a new delivery on a channel
func RecordDeliveryCreated(channel string) {
	deliveriesCreated.WithLabelValues(channel).Inc()
}

// RecordDeliveryFinalized records a delivery reaching SENT, FAILED or CANCELLED
func RecordDeliveryFinalized(status, channel string) {
	deliveriesFinalized.WithLabelValues(status, channel).Inc()
}

// RecordDispatchAttempt records one send attempt outcome ("success",
// "transient_failure", "permanent_failure")
func RecordDispatchAttempt(channel, outcome string, duration time.Duration) {
	dispatchAttempts.WithLabelValues(channel, outcome).Inc()
	dispatchLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordOutboxPublished records a successfully published outbox event
func RecordOutboxPublished(eventType string) {
	outboxPublished.WithLabelValues(eventType).Inc()
}

// RecordOutboxPublishFailure records a failed publish attempt
func RecordOutboxPublishFailure(eventType string) {
	outboxPublishFailures.WithLabelValues(eventType).Inc()
}

// SetOutboxBacklog sets the unpublished row count observed by the poller
func SetOutboxBacklog(count int) {
	outboxBacklog.Set(float64(count))
}

// RecordIdempotencyReplay records a command short-circuited by its stored result
func RecordIdempotencyReplay() {
	idempotencyReplays.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
