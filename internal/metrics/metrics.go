// Package metrics holds the Prometheus collectors of the solver service.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Solver metrics
	SolvesTotal     *prometheus.CounterVec
	SolveDuration   *prometheus.HistogramVec
	SolveFailures   *prometheus.CounterVec
	SolvesInFlight  prometheus.Gauge
	ChallengeClicks prometheus.Counter

	// Proxy metrics
	ForwardersActive prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarebypass_solves_total",
				Help: "Total number of solve requests",
			},
			[]string{"command", "status"},
		),
		SolveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flarebypass_solve_duration_seconds",
				Help:    "Solve duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"command"},
		),
		SolveFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarebypass_solve_failures_total",
				Help: "Failed solves by the step that failed",
			},
			[]string{"step"},
		),
		SolvesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flarebypass_solves_in_flight",
				Help: "Number of solves currently running",
			},
		),
		ChallengeClicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flarebypass_challenge_clicks_total",
				Help: "Total number of clicks on challenge checkboxes",
			},
		),
		ForwardersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flarebypass_forwarders_active",
				Help: "Number of running local proxy forwarders",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarebypass_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flarebypass_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// SolveStarted marks a solve as running.
func (m *Metrics) SolveStarted() {
	if m == nil {
		return
	}
	m.SolvesInFlight.Inc()
}

// SolveFinished records the outcome of a solve. failedStep is empty on success.
func (m *Metrics) SolveFinished(command, failedStep string, d time.Duration) {
	if m == nil {
		return
	}
	m.SolvesInFlight.Dec()
	status := "ok"
	if failedStep != "" {
		status = "error"
		m.SolveFailures.WithLabelValues(failedStep).Inc()
	}
	m.SolvesTotal.WithLabelValues(command, status).Inc()
	m.SolveDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Clicked counts a checkbox click.
func (m *Metrics) Clicked() {
	if m == nil {
		return
	}
	m.ChallengeClicks.Inc()
}

// SetForwarders sets the number of running forwarders.
func (m *Metrics) SetForwarders(n int) {
	if m == nil {
		return
	}
	m.ForwardersActive.Set(float64(n))
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
