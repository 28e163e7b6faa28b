package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var operationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "objectstore",
	Name:      "operation_seconds",
	Help:      "Latency of object store operations by backend.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"backend", "op"})

func init() {
	prometheus.MustRegister(operationLatency)
}

func observe(backend, op string, start time.Time) {
	operationLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
