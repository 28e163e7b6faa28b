package entity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/canvas-engine/internal/types"
)

var forkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "entity",
	Name:      "fork_seconds",
	Help:      "Latency of entity duplication by type and result.",
	Buckets:   prometheus.DefBuckets,
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(forkLatency)
}

func observeFork(entityType types.EntityType, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	forkLatency.WithLabelValues(string(entityType), result).Observe(time.Since(start).Seconds())
}
