// Package metrics provides Prometheus metrics for the SSH daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sshd"
)

// Metrics contains all Prometheus metrics for the daemon. It satisfies
// internal/session's Metrics interface structurally, so the session
// package never imports prometheus directly.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Handshake metrics
	HandshakesSucceeded prometheus.Counter
	HandshakesFailed    *prometheus.CounterVec

	// Userauth metrics
	AuthSuccesses prometheus.Counter
	AuthFailures  prometheus.Counter

	// Channel metrics
	ChannelsActive prometheus.Gauge
	ChannelsTotal  prometheus.Counter

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open TCP connections to the daemon",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections accepted",
		}),

		HandshakesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_succeeded_total",
			Help:      "Total number of key exchanges that completed successfully",
		}),
		HandshakesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_failed_total",
			Help:      "Total number of connections that failed before or during key exchange",
		}, []string{"reason"}),

		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "userauth_successes_total",
			Help:      "Total number of successful password userauth attempts",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "userauth_failures_total",
			Help:      "Total number of failed userauth attempts",
		}),

		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently open session channels",
		}),
		ChannelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_total",
			Help:      "Total number of session channels opened",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to client connections",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from client connections",
		}),
	}
}

// ConnectionAccepted implements internal/session's Metrics interface.
func (m *Metrics) ConnectionAccepted() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed implements internal/session's Metrics interface.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// HandshakeSucceeded implements internal/session's Metrics interface.
func (m *Metrics) HandshakeSucceeded() {
	m.HandshakesSucceeded.Inc()
}

// HandshakeFailed implements internal/session's Metrics interface.
func (m *Metrics) HandshakeFailed(reason string) {
	m.HandshakesFailed.WithLabelValues(reason).Inc()
}

// AuthSucceeded implements internal/session's Metrics interface. username
// is accepted to satisfy the interface but is not used as a label, to
// avoid unbounded label cardinality from attacker-controlled input.
func (m *Metrics) AuthSucceeded(username string) {
	m.AuthSuccesses.Inc()
}

// AuthFailed implements internal/session's Metrics interface.
func (m *Metrics) AuthFailed(username string) {
	m.AuthFailures.Inc()
}

// ChannelOpened implements internal/session's Metrics interface.
func (m *Metrics) ChannelOpened() {
	m.ChannelsActive.Inc()
	m.ChannelsTotal.Inc()
}

// ChannelClosed implements internal/session's Metrics interface.
func (m *Metrics) ChannelClosed() {
	m.ChannelsActive.Dec()
}

// RecordBytesSent adds n to the total bytes sent counter.
func (m *Metrics) RecordBytesSent(n int) {
	m.BytesSent.Add(float64(n))
}

// RecordBytesReceived adds n to the total bytes received counter.
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}
