package llm

import "github.com/prometheus/client_golang/prometheus"

var (
	generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llm",
		Name:      "title_generations_total",
		Help:      "Title generation requests by result.",
	}, []string{"result"})

	generationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "llm",
		Name:      "title_generation_seconds",
		Help:      "Latency of successful title generations.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(generations, generationLatency)
}
