package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_PipelineCounters(t *testing.T) {
	m := NewMetrics()

	m.ObserveSubmission("success")
	m.ObserveSubmission("success")
	m.ObserveSubmission("failure")
	m.ObserveTransition("anchored")
	m.ObserveTransition("pending")
	m.ObserveDelivery("anchoring_complete", true)
	m.ObserveDelivery("anchoring_failed", false)
	m.ObserveBatch(1500 * time.Millisecond)
	m.SetQueueRows(map[string]int{"pending": 4, "anchored": 10, "failed": 1})

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 successful submissions, got %v", got)
	}
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("failure")); got != 1 {
		t.Errorf("expected 1 failed submission, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("anchored")); got != 1 {
		t.Errorf("expected 1 anchored transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("anchoring_failed", "false")); got != 1 {
		t.Errorf("expected 1 failed delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueRows.WithLabelValues("pending")); got != 4 {
		t.Errorf("expected pending gauge 4, got %v", got)
	}
	if got := testutil.CollectAndCount(m.batchDuration); got != 1 {
		t.Errorf("expected batch histogram to be collected, got %d", got)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/anchors/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error { return errors.New("boom") })
	e.GET("/metrics", m.Handler())

	for _, path := range []string{"/api/v1/anchors/1", "/api/v1/anchors/missing", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/anchors/:id", "200")); got != 1 {
		t.Errorf("expected one 200 on the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/anchors/:id", "404")); got != 1 {
		t.Errorf("expected one 404 on the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Errorf("expected one 500, got %v", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"http_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %s", want)
		}
	}
}
