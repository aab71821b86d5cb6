package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	BookingOutcomes      *prometheus.CounterVec
	BookingDuration      prometheus.Histogram
	CompensationFailures prometheus.Counter
	ReconciledSlots      prometheus.Counter
	IdempotentReplays    prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers all collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		BookingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_outcomes_total",
				Help: "Booking attempts by terminal outcome",
			},
			[]string{"outcome"},
		),
		BookingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "booking_duration_seconds",
				Help:    "Time from claim attempt to terminal outcome",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		CompensationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "booking_compensation_failures_total",
				Help: "Slot releases that failed after appointment creation failed",
			},
		),
		ReconciledSlots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciled_slots_total",
				Help: "Orphaned slots released by the reconciliation sweep",
			},
		),
		IdempotentReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "booking_idempotent_replays_total",
				Help: "Booking requests answered from a stored outcome",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.BookingOutcomes,
		m.BookingDuration,
		m.CompensationFailures,
		m.ReconciledSlots,
		m.IdempotentReplays,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
