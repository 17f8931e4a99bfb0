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
			Name: "ocg_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocg_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	txHandlesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocg_tx_handles_open",
			Help: "Transactions currently registered in the handle registry",
		},
	)

	txHandlesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocg_tx_handles_evicted_total",
			Help: "Stale transaction handles evicted and rolled back by the sweep",
		},
	)

	workerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocg_worker_iterations_total",
			Help: "Worker loop iterations by subsystem and result (processed, no_work, error)",
		},
		[]string{"subsystem", "result"},
	)

	syncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocg_sync_outcomes_total",
			Help: "Committed sync and delivery outcomes by subsystem and outcome",
		},
		[]string{"subsystem", "outcome"},
	)

	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocg_provider_call_duration_seconds",
			Help:    "Meetings provider call latency by operation and result",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "result"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocg_queue_depth",
			Help: "Pending work items by queue",
		},
		[]string{"queue"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocg_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocg_webhook_events_total",
			Help: "Inbound provider webhook events by event and result",
		},
		[]string{"event", "result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocg_rate_limit_rejections_total",
			Help: "Calls rejected by the shared rate limiter",
		},
		[]string{"key"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocg_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
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

// SetTxHandles sets the number of open transaction handles
func SetTxHandles(count int) {
	txHandlesOpen.Set(float64(count))
}

// RecordTxEvicted records a handle evicted by the staleness sweep
func RecordTxEvicted() {
	txHandlesEvicted.Inc()
}

// RecordWorkerIteration records one pass of a worker loop
func RecordWorkerIteration(subsystem, result string) {
	workerIterations.WithLabelValues(subsystem, result).Inc()
}

// RecordSyncOutcome records a committed outcome (created, delivered, failed...)
func RecordSyncOutcome(subsystem, outcome string) {
	syncOutcomes.WithLabelValues(subsystem, outcome).Inc()
}

// RecordProviderCall records the latency of a meetings provider call
func RecordProviderCall(operation, result string, duration time.Duration) {
	providerCallDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// SetQueueDepth sets the pending item count of a work queue
func SetQueueDepth(queue string, count int64) {
	queueDepth.WithLabelValues(queue).Set(float64(count))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordWebhookEvent records an inbound webhook event
func RecordWebhookEvent(event, result string) {
	webhookEvents.WithLabelValues(event, result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetCircuitState publishes the state of a named circuit breaker
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
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

// Middleware records request metrics labelled by chi route pattern, so
// unmatched paths share one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
