package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	flushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "flush_seconds",
		Help:      "Time spent flushing dirty canvas documents to object storage.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	flushedDocuments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "flushed_documents_total",
		Help:      "Number of documents written by the periodic flush worker.",
	})
)

func init() {
	prometheus.MustRegister(flushLatency, flushedDocuments)
}
