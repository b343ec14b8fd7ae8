// Package telemetry exposes anchoring pipeline and admin API metrics in the
// Prometheus exposition format.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	batchDuration prometheus.Histogram
	deliveries    *prometheus.CounterVec
	queueRows     *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors, including the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "anchor_submissions_total", Help: "Blockchain submission attempts by outcome"},
			[]string{"outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "anchor_transitions_total", Help: "Queue row transitions by resulting status"},
			[]string{"status"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "anchor_batch_duration_seconds",
				Help:    "Wall time of one batch run",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "anchor_webhook_deliveries_total", Help: "Webhook delivery attempts"},
			[]string{"event_type", "success"},
		),
		queueRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "anchor_queue_rows", Help: "Queue rows by status after the latest run"},
			[]string{"status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Admin API requests"},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Admin API latency", Buckets: prometheus.DefBuckets},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.submissions, m.transitions, m.batchDuration, m.deliveries, m.queueRows,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the exposition handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSubmission counts a blockchain submission; outcome is "success" or "failure".
func (m *Metrics) ObserveSubmission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a persisted row transition.
func (m *Metrics) ObserveTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

// ObserveBatch records the duration of a batch run.
func (m *Metrics) ObserveBatch(d time.Duration) {
	m.batchDuration.Observe(d.Seconds())
}

// ObserveDelivery counts a webhook delivery attempt.
func (m *Metrics) ObserveDelivery(eventType string, success bool) {
	m.deliveries.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

// SetQueueRows publishes row counts per status.
func (m *Metrics) SetQueueRows(counts map[string]int) {
	for status, n := range counts {
		m.queueRows.WithLabelValues(status).Set(float64(n))
	}
}

// Middleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler returns an Echo handler that serves /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
