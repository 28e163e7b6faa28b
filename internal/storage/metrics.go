package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "query_seconds",
		Help:      "Latency of relational store operations, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"backend", "op"})

	transientRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "transient_retries_total",
		Help:      "Retries caused by serialization failures, deadlocks or lost connections.",
	}, []string{"op"})

	tracer = otel.Tracer("github.com/example/canvas-engine/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, transientRetries)
}
