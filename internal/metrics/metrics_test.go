package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageConsumed("products", OutcomeHandled)
	m.MessageConsumed("products", OutcomeHandled)
	m.MessageConsumed("products", OutcomeDecodeError)
	m.TransportError("products")
	m.EventApplied("CREATED", "changed")
	m.SetStoreSize(3)
	m.GatewayRequest("CREATED", OutcomeTimeout, 5*time.Second)
	m.SetPending(2)
	m.ReplyPublished(OutcomeOK)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesConsumed.WithLabelValues("products", OutcomeHandled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesConsumed.WithLabelValues("products", OutcomeDecodeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("products")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.storeSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("CREATED", OutcomeTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.gatewayPending))

	count, err := testutil.GatherAndCount(reg, "productbridge_processor_replies_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageConsumed("t", OutcomeHandled)
		m.TransportError("t")
		m.EventApplied("CREATED", "changed")
		m.SetStoreSize(1)
		m.GatewayRequest("CREATED", OutcomeOK, time.Millisecond)
		m.SetPending(1)
		m.ReplyPublished(OutcomeOK)
	})
}
