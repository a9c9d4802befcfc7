package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindbot_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ticksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindbot_scheduler_ticks_total",
			Help: "Total scheduler ticks completed",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindbot_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	ticksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindbot_scheduler_ticks_in_flight",
			Help: "Scheduler ticks currently running",
		},
	)

	batchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindbot_scheduler_batches_total",
			Help: "Total tenant batches processed",
		},
	)

	tenantsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_tenants_processed_total",
			Help: "Tenants processed by outcome (ok, partial, error)",
		},
		[]string{"outcome"},
	)

	enumerationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_tenant_enumeration_failures_total",
			Help: "Tenant listing failures by source",
		},
		[]string{"source"},
	)

	remindersDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_reminders_delivered_total",
			Help: "Reminders delivered by notification method",
		},
		[]string{"method"},
	)

	remindersFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_reminders_failed_total",
			Help: "Reminder delivery failures by method and error kind",
		},
		[]string{"method", "kind"},
	)

	remindersAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindbot_reminders_abandoned_total",
			Help: "Reminders completed after exhausting delivery attempts",
		},
	)

	deliveryLateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindbot_delivery_lateness_seconds",
			Help:    "Time between a reminder's scheduled time and its delivery",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
	)

	recordingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_attempt_recording_failures_total",
			Help: "Failed attempt-recording writes by sink",
		},
		[]string{"sink"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindbot_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remindbot_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	registrySyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindbot_tenant_registry_syncs_total",
			Help: "Tenant registry sync runs by status",
		},
		[]string{"status"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindbot_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindbot_redis_connections_active",
			Help: "Active Redis connections",
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

// RecordTick records a completed scheduler tick
func RecordTick(duration time.Duration, batches int) {
	ticksTotal.Inc()
	tickDuration.Observe(duration.Seconds())
	batchesTotal.Add(float64(batches))
}

// TickStarted increments the in-flight tick gauge; call the returned func when done.
func TickStarted() func() {
	ticksInFlight.Inc()
	return ticksInFlight.Dec
}

// RecordTenantProcessed records one tenant's outcome for a tick
func RecordTenantProcessed(outcome string) {
	tenantsProcessed.WithLabelValues(outcome).Inc()
}

// RecordEnumerationFailure records a failed tenant listing
func RecordEnumerationFailure(source string) {
	enumerationFailures.WithLabelValues(source).Inc()
}

// RecordReminderDelivered records a successful delivery
func RecordReminderDelivered(method string, lateness time.Duration) {
	remindersDelivered.WithLabelValues(method).Inc()
	if lateness >= 0 {
		deliveryLateness.Observe(lateness.Seconds())
	}
}

// RecordReminderFailed records a failed delivery
func RecordReminderFailed(method, kind string) {
	remindersFailed.WithLabelValues(method, kind).Inc()
}

// RecordReminderAbandoned records a reminder completed after too many failures
func RecordReminderAbandoned() {
	remindersAbandoned.Inc()
}

// RecordRecordingFailure records a failed attempt write
func RecordRecordingFailure(sink string) {
	recordingFailures.WithLabelValues(sink).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetBreakerState exports a circuit breaker's state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRegistrySync records a tenant registry sync run
func RecordRegistrySync(status string) {
	registrySyncs.WithLabelValues(status).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the chi route pattern so tenant and reminder
// ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
