package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the framework-level metrics shared by all transports.
// Domain services register their own collectors through MetricsRegistry.
type Metrics struct {
	// Transport metrics
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RequestsInFlight  *prometheus.GaugeVec
	EnvelopeErrors    *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec
	PublishedTotal    *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all framework metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "requests_total",
				Help:      "Total number of envelope requests handled",
			},
			[]string{"transport", "route", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "request_duration_seconds",
				Help:      "Envelope request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport", "route"},
		),

		RequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "requests_in_flight",
				Help:      "Number of envelope requests currently being handled",
			},
			[]string{"transport"},
		),

		EnvelopeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "envelope_errors_total",
				Help:      "Total number of error envelopes returned, by error code",
			},
			[]string{"transport", "code"},
		),

		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "connections_active",
				Help:      "Number of active transport connections",
			},
			[]string{"transport"},
		),

		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "published_total",
				Help:      "Total number of fire-and-forget envelopes published",
			},
			[]string{"transport", "target"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordRequest records one handled request with its wire status.
func (c *Metrics) RecordRequest(transport, route, status string, duration time.Duration) {
	c.RequestsTotal.WithLabelValues(transport, route, status).Inc()
	c.RequestDuration.WithLabelValues(transport, route).Observe(duration.Seconds())
}

// RecordEnvelopeError records an error envelope returned to a caller.
func (c *Metrics) RecordEnvelopeError(transport, code string) {
	c.EnvelopeErrors.WithLabelValues(transport, code).Inc()
}

// RecordPublish records a fire-and-forget publish.
func (c *Metrics) RecordPublish(transport, target string) {
	c.PublishedTotal.WithLabelValues(transport, target).Inc()
}

// IncInFlight marks a request as started.
func (c *Metrics) IncInFlight(transport string) {
	c.RequestsInFlight.WithLabelValues(transport).Inc()
}

// DecInFlight marks a request as finished.
func (c *Metrics) DecInFlight(transport string) {
	c.RequestsInFlight.WithLabelValues(transport).Dec()
}

// ConnectionOpened increments the active connection gauge.
func (c *Metrics) ConnectionOpened(transport string) {
	c.ConnectionsActive.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Metrics) ConnectionClosed(transport string) {
	c.ConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordNATSStatus updates NATS connection status.
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time.
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter.
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status.
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
