// Package metrics exposes Prometheus collectors for the transport and the
// replication layer. All methods are safe to call on a nil *Metrics, which
// turns instrumentation off.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "replicon").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors.
type Metrics struct {
	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec
	packetsResent    prometheus.Counter
	pendingReliable  prometheus.Gauge
	rtt              prometheus.Histogram
	connections      prometheus.Gauge
	refused          prometheus.Counter
	entityMsgBytes   *prometheus.HistogramVec
	entityBlocksSkip prometheus.Counter
}

// New registers the collectors on the configured registry.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "replicon",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the socket by packet type",
		}, []string{"type"}),

		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Datagrams accepted by a connection by packet type",
		}, []string{"type"}),

		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "packets_dropped_total",
			Help:      "Datagrams discarded before reaching the application",
		}, []string{"reason"}),

		packetsResent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "packets_resent_total",
			Help:      "Reliable datagrams retransmitted by the resend sweep",
		}),

		pendingReliable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "pending_reliable",
			Help:      "Reliable datagrams waiting for an acknowledgement",
		}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "rtt_seconds",
			Help:      "Accepted round-trip time samples",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1},
		}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Connections currently registered",
		}),

		refused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "connections_refused_total",
			Help:      "Connect requests refused because the server was full",
		}),

		entityMsgBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "replication",
			Name:      "message_bytes",
			Help:      "Size of encoded entity messages",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 8),
		}, []string{"kind"}),

		entityBlocksSkip: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "replication",
			Name:      "blocks_skipped_total",
			Help:      "Unknown class or variable blocks skipped while decoding",
		}),
	}
}

// PacketSent counts a datagram written to the socket.
func (m *Metrics) PacketSent(packetType string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(packetType).Inc()
}

// PacketReceived counts a datagram accepted by a connection.
func (m *Metrics) PacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(packetType).Inc()
}

// PacketDropped counts a discarded datagram.
func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// PacketResent counts a retransmission.
func (m *Metrics) PacketResent() {
	if m == nil {
		return
	}
	m.packetsResent.Inc()
}

// PendingAdd moves the pending-reliable gauge by delta.
func (m *Metrics) PendingAdd(delta int) {
	if m == nil {
		return
	}
	m.pendingReliable.Add(float64(delta))
}

// ObserveRTT records an accepted round-trip sample.
func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

// ConnectionOpened increments the active connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// ConnectionRefused counts a refused connect request.
func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

// EntityMessage records the size of an encoded entity message.
func (m *Metrics) EntityMessage(kind string, size int) {
	if m == nil {
		return
	}
	m.entityMsgBytes.WithLabelValues(kind).Observe(float64(size))
}

// BlocksSkipped counts decode blocks that were skipped.
func (m *Metrics) BlocksSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.entityBlocksSkip.Add(float64(n))
}
