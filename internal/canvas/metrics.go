package canvas

import "github.com/prometheus/client_golang/prometheus"

var (
	canvasesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas",
		Name:      "created_total",
		Help:      "Canvases created.",
	})

	canvasesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas",
		Name:      "deleted_total",
		Help:      "Canvases soft-deleted.",
	})

	duplications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "canvas",
		Name:      "duplications_total",
		Help:      "Canvas duplications by terminal status.",
	}, []string{"status"})

	nodesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas",
		Name:      "entity_removals_total",
		Help:      "Entities detached from canvases after deletion.",
	})

	indexFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas",
		Name:      "index_failures_total",
		Help:      "Best-effort search index updates that failed.",
	})
)

func init() {
	prometheus.MustRegister(canvasesCreated, canvasesDeleted, duplications, nodesRemoved, indexFailures)
}
