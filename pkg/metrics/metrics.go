// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the LWM2M stack.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the stack.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	TotalSessions   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Message metrics
	CoAPMessages    *prometheus.CounterVec
	PacketSize      *prometheus.HistogramVec
	DroppedMessages *prometheus.CounterVec
	Duplicates      prometheus.Counter
	RequestDuration *prometheus.HistogramVec

	// Transaction metrics
	Retransmissions prometheus.Counter
	Transactions    *prometheus.CounterVec
	BlockTransfers  *prometheus.CounterVec
	Observations    prometheus.Gauge
	Notifications   *prometheus.CounterVec

	// Resource directory metrics
	RDDevices    prometheus.Gauge
	RDOperations *prometheus.CounterVec
	RDExpired    prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec
}

// New creates a new Metrics instance registered on reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "lwm2m"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active peer sessions",
			},
			[]string{"protocol"},
		),
		TotalSessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of peer sessions",
			},
			[]string{"protocol"},
		),
		SessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"protocol"},
		),
		CoAPMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_total",
				Help:      "Total number of CoAP messages",
			},
			[]string{"direction", "type", "code"},
		),
		PacketSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "packet_size_bytes",
				Help:      "CoAP packet size in bytes",
				Buckets:   []float64{16, 64, 128, 256, 512, 1024, 2048, 65536},
			},
			[]string{"protocol", "direction"},
		),
		DroppedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Total number of inbound messages dropped without a reply",
			},
			[]string{"reason"},
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_requests_total",
				Help:      "Total number of duplicate requests answered from cache",
			},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class", "method"},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable message retransmissions",
			},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of outbound transactions by outcome",
			},
			[]string{"outcome"},
		),
		BlockTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Total number of block-wise transfer events",
			},
			[]string{"option", "outcome"},
		),
		Observations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations",
				Help:      "Number of active observations",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications",
			},
			[]string{"type"},
		),
		RDDevices: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rd_devices",
				Help:      "Number of devices in the resource directory",
			},
		),
		RDOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rd_operations_total",
				Help:      "Total number of resource directory operations",
			},
			[]string{"operation", "status"},
		),
		RDExpired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rd_expired_total",
				Help:      "Total number of devices evicted on TTL expiry",
			},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited packets",
			},
			[]string{"protocol"},
		),
	}
}

// Message counts one CoAP message.
func (m *Metrics) Message(direction, typ, code string, size int, protocol string) {
	if m == nil {
		return
	}
	m.CoAPMessages.WithLabelValues(direction, typ, code).Inc()
	m.PacketSize.WithLabelValues(protocol, direction).Observe(float64(size))
}

// Dropped counts an inbound message that got no reply.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

// Duplicate counts a request answered from the dedup cache.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// Retransmission counts one resent confirmable message.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// TransactionDone counts a finished outbound transaction.
func (m *Metrics) TransactionDone(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

// Block counts a block-wise transfer event.
func (m *Metrics) Block(option, outcome string) {
	if m == nil {
		return
	}
	m.BlockTransfers.WithLabelValues(option, outcome).Inc()
}

// SetObservations reports the number of active observations.
func (m *Metrics) SetObservations(n int) {
	if m == nil {
		return
	}
	m.Observations.Set(float64(n))
}

// Notification counts a sent notification.
func (m *Metrics) Notification(typ string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(typ).Inc()
}

// RDOperation counts a resource directory operation.
func (m *Metrics) RDOperation(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RDOperations.WithLabelValues(op, status).Inc()
}

// SetRDDevices reports the resource directory size.
func (m *Metrics) SetRDDevices(n int) {
	if m == nil {
		return
	}
	m.RDDevices.Set(float64(n))
}

// RDExpiredDevices counts devices evicted on TTL expiry.
func (m *Metrics) RDExpiredDevices(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RDExpired.Add(float64(n))
}

// BreakerState reports a circuit breaker state change.
func (m *Metrics) BreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// RateLimited counts a packet rejected by the rate limiter.
func (m *Metrics) RateLimited(protocol string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(protocol).Inc()
}

// ObserveSession tracks a session lifecycle.
func (m *Metrics) ObserveSession(protocol string) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveSessions.WithLabelValues(protocol).Inc()
	m.TotalSessions.WithLabelValues(protocol).Inc()
	start := time.Now()
	return func() {
		m.ActiveSessions.WithLabelValues(protocol).Dec()
		m.SessionDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	}
}

// ObserveRequest tracks a handler invocation.
func (m *Metrics) ObserveRequest(class, method string, f func()) {
	if m == nil {
		f()
		return
	}
	start := time.Now()
	f()
	m.RequestDuration.WithLabelValues(class, method).Observe(time.Since(start).Seconds())
}
