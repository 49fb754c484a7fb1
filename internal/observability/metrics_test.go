package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsPollerCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.ObserveDelivery("", 120*time.Millisecond)
	metrics.ObserveDelivery("HTTP_STATUS", 80*time.Millisecond)
	metrics.IncDeliveriesInFlight()
	metrics.DecDeliveriesInFlight()
	metrics.AddTimerTransitions("completed", 2)
	metrics.AddTimerTransitions("expired", 0)
	metrics.AddGuardMisses("pending_retry", 1)
	metrics.ObservePollCycle("ok", 3, time.Second)
	metrics.ObservePollCycle("skipped", 0, 0)

	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("success", "none")); got != 1 {
		t.Fatalf("webhook_deliveries_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("failure", "http_status")); got != 1 {
		t.Fatalf("webhook_deliveries_total{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesInflight); got != 0 {
		t.Fatalf("webhook_deliveries_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.timerTransitionsTotal.WithLabelValues("completed")); got != 2 {
		t.Fatalf("timer_transitions_total{completed} = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(metrics.timerTransitionsTotal); got != 1 {
		t.Fatalf("timer_transitions_total series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.guardMissesTotal.WithLabelValues("pending_retry")); got != 1 {
		t.Fatalf("timer_guard_misses_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.pollCyclesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("poll_cycles_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.pollCyclesTotal.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("poll_cycles_total{skipped} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.pollDueTimers); got != 3 {
		t.Fatalf("poll_due_timers = %v, want 3", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.ObserveDelivery("timeout", time.Second)
	metrics.IncDeliveriesInFlight()
	metrics.DecDeliveriesInFlight()
	metrics.AddTimerTransitions("completed", 1)
	metrics.AddGuardMisses("expired", 1)
	metrics.ObservePollCycle("error", 0, time.Second)

	if metrics.Handler() == nil {
		t.Fatal("nil metrics should still expose a handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
