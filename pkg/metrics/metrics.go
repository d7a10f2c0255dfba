// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for meshgate.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshgate"

// Metrics holds all Prometheus metrics for meshgate.
type Metrics struct {
	// Pipeline metrics
	MessagesReceived  prometheus.Counter
	MessagesFiltered  *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	DecryptAttempts   *prometheus.CounterVec
	NodesKnown        prometheus.Gauge

	// Connection metrics
	ClientsConnected prometheus.Gauge
	AuthFailures     *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec

	// Alerting metrics
	Alerts              *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Operational metrics
	ConfigReloads   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers all metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of publishes inspected by the pipeline",
		}),
		MessagesFiltered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_filtered_total",
			Help:      "Total number of publishes dropped by the pipeline",
		}, []string{"reason"}),
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total number of publishes passed to the broker",
		}),
		DecryptAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_attempts_total",
			Help:      "Total number of packet decryptions by result",
		}, []string{"result"}),
		NodesKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_known",
			Help:      "Number of mesh nodes with a known position",
		}),
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of authenticated MQTT sessions",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of refused connections",
		}, []string{"reason"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of throttled connection attempts",
		}, []string{"limiter"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts by type and outcome",
		}, []string{"type", "outcome"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"provider"}),
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of policy reloads by result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of management API requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Management API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Received counts a publish entering the pipeline.
func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// Delivered counts a publish passed through to the broker.
func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.MessagesDelivered.Inc()
}

// Filtered counts a dropped publish.
func (m *Metrics) Filtered(reason string) {
	if m == nil {
		return
	}
	m.MessagesFiltered.WithLabelValues(reason).Inc()
}

// Decrypt counts one decryption outcome.
func (m *Metrics) Decrypt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.DecryptAttempts.WithLabelValues(result).Inc()
}

// SetNodes records the registry size.
func (m *Metrics) SetNodes(n int) {
	if m == nil {
		return
	}
	m.NodesKnown.Set(float64(n))
}

// Connected adjusts the session gauge by delta.
func (m *Metrics) Connected(delta int) {
	if m == nil {
		return
	}
	m.ClientsConnected.Add(float64(delta))
}

// AuthFailure counts a refused connection.
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// Throttled counts a connection refused by limiter.
func (m *Metrics) Throttled(limiter string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(limiter).Inc()
}

// Alert counts an alert outcome.
func (m *Metrics) Alert(typ, outcome string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(typ, outcome).Inc()
}

// BreakerState records the state of a provider's circuit breaker.
func (m *Metrics) BreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// Reload counts a policy reload outcome.
func (m *Metrics) Reload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}

// ObserveRequest records one management API request.
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
