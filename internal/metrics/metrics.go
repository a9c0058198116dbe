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
			Name: "sentinel_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_scan_sweeps_total",
			Help: "Completed full safety sweeps",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_scan_sweep_duration_seconds",
			Help:    "Wall time of a full safety sweep",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	usersScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_scan_users_total",
			Help: "Users evaluated by sweeps and incremental checks",
		},
	)

	scanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_scan_errors_total",
			Help: "Per-user failures during scans",
		},
	)

	safetyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_safety_events_total",
			Help: "Safety events emitted by kind",
		},
		[]string{"kind"},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_created_total",
			Help: "Alerts created by type and severity",
		},
		[]string{"type", "severity"},
	)

	alertsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_deduplicated_total",
			Help: "Safety events folded into an already open alert",
		},
		[]string{"type"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alert_transitions_total",
			Help: "Alert status transitions",
		},
		[]string{"from", "to"},
	)

	notificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notification_attempts_total",
			Help: "Notification attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	attemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_notification_attempt_latency_seconds",
			Help:    "Time spent on one channel send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_dispatches_total",
			Help: "Completed dispatches by final alert status",
		},
		[]string{"status"},
	)

	routerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_router_fallbacks_total",
			Help: "Operations served by the secondary backend",
		},
		[]string{"op"},
	)

	routerDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_router_divergence_total",
			Help: "Reads where the secondary had data the primary lacked",
		},
		[]string{"op"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	locationPings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_location_pings_total",
			Help: "Location reports received by source",
		},
		[]string{"source"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alert_events_published_total",
			Help: "Alert lifecycle events published to the event queue",
		},
		[]string{"event", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_idempotency_hits_total",
			Help: "SOS requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limit_rejections_total",
			Help: "Location pings rejected by the rate limiter",
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

// RecordSweep records one finished full sweep.
func RecordSweep(duration time.Duration) {
	sweepsTotal.Inc()
	sweepDuration.Observe(duration.Seconds())
}

func RecordUsersScanned(n int) {
	usersScanned.Add(float64(n))
}

func RecordScanErrors(n int) {
	scanErrors.Add(float64(n))
}

func RecordSafetyEvent(kind string) {
	safetyEvents.WithLabelValues(kind).Inc()
}

func RecordAlertCreated(alertType, severity string) {
	alertsCreated.WithLabelValues(alertType, severity).Inc()
}

func RecordAlertDeduplicated(alertType string) {
	alertsDeduplicated.WithLabelValues(alertType).Inc()
}

func RecordAlertTransition(from, to string) {
	alertTransitions.WithLabelValues(from, to).Inc()
}

// RecordAttempt records one notification attempt outcome and, for attempts
// that actually reached a provider, its latency.
func RecordAttempt(channel, outcome string, latency time.Duration) {
	notificationAttempts.WithLabelValues(channel, outcome).Inc()
	if latency > 0 {
		attemptLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

func RecordDispatch(status string) {
	dispatchesTotal.WithLabelValues(status).Inc()
}

func RecordRouterFallback(op string) {
	routerFallbacks.WithLabelValues(op).Inc()
}

func RecordRouterDivergence(op string) {
	routerDivergence.WithLabelValues(op).Inc()
}

// SetBreakerState exports a breaker state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func RecordLocationPing(source string) {
	locationPings.WithLabelValues(source).Inc()
}

func RecordEventPublished(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsPublished.WithLabelValues(event, result).Inc()
}

// RecordIdempotencyHit records a replayed SOS request
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Middleware returns HTTP middleware that records request metrics. The
// route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

// routePattern returns the matched chi route, falling back to the raw path
// outside a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
