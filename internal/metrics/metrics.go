// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the server
type Metrics struct {
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SourceFailures  *prometheus.CounterVec
	SourceDuration  *prometheus.HistogramVec
	PositionsServed *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aptos_positions_requests_total",
				Help: "Total number of position requests processed",
			},
			[]string{"protocol", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aptos_positions_request_duration_seconds",
				Help:    "Position request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		SourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aptos_positions_source_failures_total",
				Help: "Swallowed failures per external data source",
			},
			[]string{"source"},
		),
		SourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aptos_positions_source_call_duration_seconds",
				Help:    "External call duration per data source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		PositionsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aptos_positions_served_total",
				Help: "Number of positions returned to callers",
			},
			[]string{"protocol", "staked"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aptos_positions_cache_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.RequestCounter,
		m.RequestDuration,
		m.SourceFailures,
		m.SourceDuration,
		m.PositionsServed,
		m.CacheHits,
	)
	return m
}

// ObserveFailure increments the failure counter for source. Safe on a nil receiver.
func (m *Metrics) ObserveFailure(source string) {
	if m == nil {
		return
	}
	m.SourceFailures.WithLabelValues(source).Inc()
}

// ObserveSource records the duration of one external call.
func (m *Metrics) ObserveSource(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveRequest counts a finished position request.
func (m *Metrics) ObserveRequest(protocol, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(protocol, status).Inc()
	m.RequestDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// ObservePositions counts the positions returned for protocol.
func (m *Metrics) ObservePositions(protocol string, staked bool, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PositionsServed.WithLabelValues(protocol, strconv.FormatBool(staked)).Add(float64(n))
}

// ObserveCache counts a response cache lookup; result is hit, miss or error.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(result).Inc()
}
