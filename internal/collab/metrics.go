package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	openRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "open_rooms",
		Help:      "Canvas documents currently held in memory.",
	})

	sessionTransactLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "transact_seconds",
		Help:      "Latency of session transactions including fan-out.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	blobLoadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "blob_load_failures_total",
		Help:      "Canvas state loads that fell back to an empty document.",
	}, []string{"reason"})

	roomFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "room_flushes_total",
		Help:      "Persisted canvas documents by result.",
	}, []string{"result"})

	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a canvas lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "lock",
		Name:      "timeouts_total",
		Help:      "Lock acquisitions that gave up waiting.",
	})

	broadcastsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "broadcast",
		Name:      "published_total",
		Help:      "Updates published to other instances.",
	})

	broadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "broadcast",
		Name:      "enqueue_to_apply_seconds",
		Help:      "Observed latency between publish and receipt on another instance.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})

	resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "resyncs_total",
		Help:      "Rooms reloaded from storage after a stalled causal gap.",
	})
)

var tracer = otel.Tracer("github.com/example/canvas-engine/collab")

func init() {
	prometheus.MustRegister(
		openRooms,
		sessionTransactLatency,
		blobLoadFailures,
		roomFlushes,
		lockWait,
		lockContention,
		broadcastsPublished,
		broadcastLatency,
		resyncs,
	)
}
