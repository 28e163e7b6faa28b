package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "api",
	Name:      "request_seconds",
	Help:      "HTTP request latency by method, route and status.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})

func init() {
	prometheus.MustRegister(requestLatency)
}

var tracer = otel.Tracer("github.com/example/canvas-engine/api")
