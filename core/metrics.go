package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// transportMetrics groups the Prometheus collectors the transport core
// exposes. None of the behavior in this package depends on these values —
// they are pure observers wired up for the node's telemetry sink.
type transportMetrics struct {
	framesDropped       *prometheus.CounterVec
	unknownProtocolHits prometheus.Counter
	handshakeRejects    prometheus.Counter
	retransmits         prometheus.Counter
	bytesInFlight       prometheus.Gauge
	activeConnections   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *transportMetrics
)

// Metrics returns the process-wide transport metrics, registering them with
// the default Prometheus registry on first use.
func Metrics() *transportMetrics {
	metricsOnce.Do(func() {
		metrics = &transportMetrics{
			framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "frames_dropped_total",
				Help:      "Frames dropped by reason.",
			}, []string{"reason"}),
			unknownProtocolHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "unknown_protocol_total",
				Help:      "Messages received for an unregistered or unknown protocol code.",
			}),
			handshakeRejects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "handshake_rejects_total",
				Help:      "Handshakes rejected for bad magic, version, or signature.",
			}),
			retransmits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "retransmits_total",
				Help:      "Fragment retransmissions issued by the send path.",
			}),
			bytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "bytes_in_flight",
				Help:      "Global unacknowledged bytes currently in flight.",
			}),
			activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "synnergy",
				Subsystem: "transport",
				Name:      "active_connections",
				Help:      "Connections currently in the ACTIVE or IDLE state.",
			}),
		}
		prometheus.MustRegister(
			metrics.framesDropped,
			metrics.unknownProtocolHits,
			metrics.handshakeRejects,
			metrics.retransmits,
			metrics.bytesInFlight,
			metrics.activeConnections,
		)
	})
	return metrics
}
