// Package metrics holds the Prometheus collectors shared by the consumer
// loops, the store and the gateway. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "productbridge"

// Consumer loop outcomes
const (
	OutcomeHandled      = "handled"
	OutcomeEmpty        = "empty"
	OutcomeDecodeError  = "decode_error"
	OutcomeHandlerError = "handler_error"
)

// Gateway outcomes
const (
	OutcomeOK             = "ok"
	OutcomePublishFailed  = "publish_failed"
	OutcomeTimeout        = "timeout"
	OutcomeTooManyPending = "too_many_pending"
	OutcomeCancelled      = "cancelled"
)

// Metrics groups the collectors
type Metrics struct {
	messagesConsumed *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	storeApplied     *prometheus.CounterVec
	storeSize        prometheus.Gauge
	gatewayRequests  *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	gatewayPending   prometheus.Gauge
	repliesPublished *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages taken off a topic by a consumer loop, by outcome",
		}, []string{"topic", "outcome"}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Bus errors observed while polling a topic",
		}, []string{"topic"}),
		storeApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_events_applied_total",
			Help:      "Events applied to the materialized store, by action and result",
		}, []string{"action", "result"}),
		storeSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_products",
			Help:      "Products currently held in the materialized store",
		}),
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Request/reply cycles completed by the gateway, by action and outcome",
		}, []string{"action", "outcome"}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Time from publish to reply or failure",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"action"}),
		gatewayPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_pending_requests",
			Help:      "Requests waiting for a reply",
		}),
		repliesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_replies_total",
			Help:      "Replies published by the request processor, by outcome",
		}, []string{"outcome"}),
	}
}

// MessageConsumed records one message handled by a consumer loop
func (m *Metrics) MessageConsumed(topic, outcome string) {
	if m == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(topic, outcome).Inc()
}

// TransportError records a failed poll
func (m *Metrics) TransportError(topic string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(topic).Inc()
}

// EventApplied records a store mutation attempt
func (m *Metrics) EventApplied(action, result string) {
	if m == nil {
		return
	}
	m.storeApplied.WithLabelValues(action, result).Inc()
}

// SetStoreSize updates the store size gauge
func (m *Metrics) SetStoreSize(n int) {
	if m == nil {
		return
	}
	m.storeSize.Set(float64(n))
}

// GatewayRequest records a finished request/reply cycle
func (m *Metrics) GatewayRequest(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(action, outcome).Inc()
	m.gatewayLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// SetPending updates the pending request gauge
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.gatewayPending.Set(float64(n))
}

// ReplyPublished records a processor reply
func (m *Metrics) ReplyPublished(outcome string) {
	if m == nil {
		return
	}
	m.repliesPublished.WithLabelValues(outcome).Inc()
}
