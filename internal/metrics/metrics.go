// Package metrics instruments the bridge engine with Prometheus
// collectors, in the shape router_base/cmd/init's SetupMetrics uses: a
// small struct of pre-registered collectors updated by value from the
// hot path, not polled out of band.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector connbridge exposes.
type Metrics struct {
	active  prometheus.Gauge
	total   *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	accepts *prometheus.CounterVec
}

// New creates and registers connbridge's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connbridge_bridges_active",
			Help: "Bridges currently in the Connecting or Bridging state.",
		}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbridge_bridges_total",
			Help: "Bridges started, partitioned by how they ended.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbridge_bytes_total",
			Help: "Bytes successfully written to the consumer socket, by direction.",
		}, []string{"direction"}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbridge_listener_accepts_total",
			Help: "Connections accepted, by listener address.",
		}, []string{"listener"}),
	}
	reg.MustRegister(m.active, m.total, m.bytes, m.accepts)
	return m
}

// BridgeStarted records a Bridge entering Connecting or Bridging.
func (m *Metrics) BridgeStarted() {
	m.active.Inc()
}

// BridgeEnded records a previously-started Bridge tearing down with the
// given outcome ("bridged", "connect_error", or "pipe_error").
func (m *Metrics) BridgeEnded(outcome string) {
	m.active.Dec()
	m.total.WithLabelValues(outcome).Inc()
}

// SetupFailed records a Bridge that never reached BridgeStarted because
// Start failed before registering with the dispatcher.
func (m *Metrics) SetupFailed() {
	m.total.WithLabelValues("setup_error").Inc()
}

// BytesForwarded records n bytes written to the consumer socket in the
// given direction ("source_to_dest" or "dest_to_source").
func (m *Metrics) BytesForwarded(direction string, n int) {
	if n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

// Accepted records one successful accept on the named listener.
func (m *Metrics) Accepted(listener string) {
	m.accepts.WithLabelValues(listener).Inc()
}
