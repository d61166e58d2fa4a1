package broker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.connected()
	m.connected()
	m.disconnected()
	m.publishIn()
	m.publishOut()
	m.publishOut()
	m.subscribed()
	m.inflightUp()
	m.inflightUp()
	m.inflightDown()
	m.setWorkerPoolSize(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesIn))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesOut))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inflight))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.workerPool))
}

// A nil *Metrics must behave as a complete no-op, since Domain holds
// metrics as an optional field.
func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.connected()
		m.disconnected()
		m.publishIn()
		m.publishOut()
		m.subscribed()
		m.unsubscribed()
		m.inflightUp()
		m.inflightDown()
		m.setWorkerPoolSize(1)
	})
}
