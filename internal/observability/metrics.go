package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace    = "delivery_engine"
	unknownLabel = "unknown"
)

// Metrics holds the Prometheus collectors shared by the api and worker
// processes. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	notificationsAccepted    *prometheus.CounterVec
	duplicatesDroppedTotal   prometheus.Counter
	scheduledReleasedTotal   prometheus.Counter
	notificationsSentTotal   *prometheus.CounterVec
	notificationsFailedTotal *prometheus.CounterVec
	notificationSendDuration *prometheus.HistogramVec
	workerInflight           *prometheus.GaugeVec
	retryScheduledTotal      *prometheus.CounterVec
	circuitRejectionsTotal   *prometheus.CounterVec
	throttledTotal           *prometheus.CounterVec
	jobOutcomesTotal         *prometheus.CounterVec
	deadLettersTotal         *prometheus.CounterVec
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal:   counterVec("http_requests_total", "HTTP requests by method, route and status.", "method", "path", "status"),
		httpRequestDuration: histogramVec("http_request_duration_seconds", "HTTP request latency by method and route.", prometheus.DefBuckets, "method", "path"),

		notificationsAccepted:  counterVec("notifications_accepted_total", "Notifications stored at ingestion by channel and initial status.", "channel", "status"),
		duplicatesDroppedTotal: counter("notifications_duplicates_total", "Submitted notifications skipped because their idempotency key was already used."),
		scheduledReleasedTotal: counter("scheduled_released_total", "Scheduled notifications released to the delivery lanes."),

		notificationsSentTotal:   counterVec("notifications_sent_total", "Notifications delivered by channel.", "channel"),
		notificationsFailedTotal: counterVec("notifications_failed_total", "Notifications that ended failed by channel and error type.", "channel", "reason"),
		notificationSendDuration: histogramVec("notification_send_duration_seconds", "Provider call latency by channel.", prometheus.ExponentialBuckets(0.01, 2, 12), "channel"),
		workerInflight:           gaugeVec("worker_inflight", "Provider calls in flight by channel.", "channel"),

		retryScheduledTotal:    counterVec("retry_scheduled_total", "Failed attempts rescheduled for retry by channel.", "channel"),
		circuitRejectionsTotal: counterVec("circuit_rejections_total", "Deliveries deferred by an open channel circuit.", "channel"),
		throttledTotal:         counterVec("throttled_total", "Deliveries deferred by the channel rate limit.", "channel"),
		jobOutcomesTotal:       counterVec("job_outcomes_total", "Queue jobs handled by type and outcome.", "type", "outcome"),
		deadLettersTotal:       counterVec("dead_letters_total", "Notifications archived as dead letters by channel.", "channel"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsAccepted,
		m.duplicatesDroppedTotal,
		m.scheduledReleasedTotal,
		m.notificationsSentTotal,
		m.notificationsFailedTotal,
		m.notificationSendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.circuitRejectionsTotal,
		m.throttledTotal,
		m.jobOutcomesTotal,
		m.deadLettersTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency per matched route.
// Scrapes of /metrics are not counted.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}
		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncNotificationAccepted(channel, status string) {
	if m == nil {
		return
	}
	m.notificationsAccepted.WithLabelValues(normalizeLabel(channel), normalizeLabel(status)).Inc()
}

func (m *Metrics) AddDuplicatesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicatesDroppedTotal.Add(float64(n))
}

func (m *Metrics) AddScheduledReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scheduledReleasedTotal.Add(float64(n))
}

func (m *Metrics) IncNotificationSent(channel string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncNotificationFailed(channel, reason string) {
	if m == nil {
		return
	}
	m.notificationsFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveNotificationSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.notificationSendDuration.WithLabelValues(normalizeLabel(channel)).Observe(duration.Seconds())
}

func (m *Metrics) IncWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) DecWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncCircuitRejection(channel string) {
	if m == nil {
		return
	}
	m.circuitRejectionsTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncThrottled(channel string) {
	if m == nil {
		return
	}
	m.throttledTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncJobOutcome(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobOutcomesTotal.WithLabelValues(normalizeLabel(jobType), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncDeadLetter(channel string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) recordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// routePath uses the route template so ids do not explode label cardinality.
func routePath(c *fiber.Ctx) string {
	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	if status := c.Response().StatusCode(); status != 0 {
		return status
	}
	return fiber.StatusOK
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return unknownLabel
	}
	return normalized
}
