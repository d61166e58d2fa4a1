package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the broker-wide instrument set, registered against a caller-
// supplied *prometheus.Registry so a deployment can expose it on whatever
// /metrics endpoint it already runs. A nil *Metrics (the zero value from
// NewBroker without NewMetrics) makes every method below a no-op, so
// instrumentation stays optional the same way the sentry wiring does.
type Metrics struct {
	connections   prometheus.Gauge
	messagesIn    prometheus.Counter
	messagesOut   prometheus.Counter
	subscriptions prometheus.Gauge
	inflight      prometheus.Gauge
	workerPool    prometheus.Gauge
}

// NewMetrics builds and registers a Metrics set against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt_broker", Name: "connections", Help: "Currently connected clients.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt_broker", Name: "messages_in_total", Help: "PUBLISH packets received from clients.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt_broker", Name: "messages_out_total", Help: "PUBLISH packets delivered to clients.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt_broker", Name: "subscriptions", Help: "Active subscriptions across all domains.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt_broker", Name: "inflight_messages", Help: "QoS 1/2 exchanges awaiting acknowledgment.",
		}),
		workerPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt_broker", Name: "worker_pool_size", Help: "Current worker pool goroutine count.",
		}),
	}
	reg.MustRegister(m.connections, m.messagesIn, m.messagesOut, m.subscriptions, m.inflight, m.workerPool)
	return m
}

func (m *Metrics) connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) publishIn() {
	if m != nil {
		m.messagesIn.Inc()
	}
}

func (m *Metrics) publishOut() {
	if m != nil {
		m.messagesOut.Inc()
	}
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) unsubscribed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) inflightUp() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) inflightDown() {
	if m != nil {
		m.inflight.Dec()
	}
}

func (m *Metrics) setWorkerPoolSize(n int) {
	if m != nil {
		m.workerPool.Set(float64(n))
	}
}
