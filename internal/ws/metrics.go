package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent opening a session and upgrading to a WebSocket.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per canvas.",
	}, []string{"canvas"})

	gatewayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_total",
		Help:      "Frames exchanged with editors by direction and type.",
	}, []string{"direction", "type"})

	gatewayDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "forced_disconnects_total",
		Help:      "Connections closed by the server, by reason.",
	}, []string{"reason"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayFrames, gatewayDisconnects)
	})
}

var tracer = otel.Tracer("github.com/example/canvas-engine/ws")
