package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var indexLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "search",
	Name:      "operation_seconds",
	Help:      "Latency of search index operations.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
}, []string{"op"})

func init() {
	prometheus.MustRegister(indexLatency)
}

func observe(op string, start time.Time) {
	indexLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
