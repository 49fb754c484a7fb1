package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and the poller.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveriesTotal       *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	deliveriesInflight    prometheus.Gauge
	timerTransitionsTotal *prometheus.CounterVec
	guardMissesTotal      *prometheus.CounterVec
	pollCyclesTotal       *prometheus.CounterVec
	pollCycleDuration     prometheus.Histogram
	pollDueTimers         prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trip_gateway",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trip_gateway",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trip_gateway",
				Name:      "webhook_deliveries_total",
				Help:      "Total number of webhook delivery attempts by outcome and error kind.",
			},
			[]string{"outcome", "kind"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trip_gateway",
				Name:      "webhook_delivery_duration_seconds",
				Help:      "Webhook delivery duration in seconds grouped by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"},
		),
		deliveriesInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trip_gateway",
				Name:      "webhook_deliveries_inflight",
				Help:      "Current number of in-flight webhook deliveries.",
			},
		),
		timerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trip_gateway",
				Name:      "timer_transitions_total",
				Help:      "Total number of applied timer transitions by target status.",
			},
			[]string{"status"},
		),
		guardMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trip_gateway",
				Name:      "timer_guard_misses_total",
				Help:      "Total number of timer transitions skipped because the row changed underneath.",
			},
			[]string{"status"},
		),
		pollCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trip_gateway",
				Name:      "poll_cycles_total",
				Help:      "Total number of poll cycles by result.",
			},
			[]string{"result"},
		),
		pollCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "trip_gateway",
				Name:      "poll_cycle_duration_seconds",
				Help:      "Poll cycle duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		pollDueTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trip_gateway",
				Name:      "poll_due_timers",
				Help:      "Number of due timers fetched by the last poll cycle.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.deliveriesInflight,
		m.timerTransitionsTotal,
		m.guardMissesTotal,
		m.pollCyclesTotal,
		m.pollCycleDuration,
		m.pollDueTimers,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

// ObserveDelivery records one webhook attempt. An empty kind means success.
func (m *Metrics) ObserveDelivery(kind string, duration time.Duration) {
	if m == nil {
		return
	}

	outcome := "success"
	kindLabel := normalizeLabel(kind)
	if strings.TrimSpace(kind) == "" {
		kindLabel = "none"
	} else {
		outcome = "failure"
	}

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveriesTotal.WithLabelValues(outcome, kindLabel).Inc()
	m.deliveryDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) IncDeliveriesInFlight() {
	if m == nil {
		return
	}
	m.deliveriesInflight.Inc()
}

func (m *Metrics) DecDeliveriesInFlight() {
	if m == nil {
		return
	}
	m.deliveriesInflight.Dec()
}

func (m *Metrics) AddTimerTransitions(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.timerTransitionsTotal.WithLabelValues(normalizeLabel(status)).Add(float64(n))
}

func (m *Metrics) AddGuardMisses(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.guardMissesTotal.WithLabelValues(normalizeLabel(status)).Add(float64(n))
}

// ObservePollCycle records a finished cycle; result is ok, error, interrupted or skipped.
func (m *Metrics) ObservePollCycle(result string, due int, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollCyclesTotal.WithLabelValues(normalizeLabel(result)).Inc()
	if result == "skipped" {
		return
	}
	m.pollDueTimers.Set(float64(due))
	m.pollCycleDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
