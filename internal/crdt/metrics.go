package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	transactLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "transact_seconds",
		Help:      "Time spent staging and committing local document transactions.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	remoteUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "remote_updates_total",
		Help:      "Number of remote updates integrated into documents.",
	})
)

func init() {
	prometheus.MustRegister(transactLatency, remoteUpdates)
}
