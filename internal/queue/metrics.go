package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queue",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled by outcome (success, retry, interrupted, failed, unknown).",
	}, []string{"job", "outcome"})

	jobLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "queue",
		Name:      "job_seconds",
		Help:      "Time spent in job handlers.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"job"})

	jobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queue",
		Name:      "jobs_recovered_total",
		Help:      "In-flight jobs handed out again after their worker stopped.",
	})
)

func init() {
	prometheus.MustRegister(jobsProcessed, jobLatency, jobsRecovered)
}
