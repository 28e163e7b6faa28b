package presence

import "github.com/prometheus/client_golang/prometheus"

var editorsJoined = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "editors_joined_total",
	Help:      "Editors that joined a canvas.",
})

func init() {
	prometheus.MustRegister(editorsJoined)
}
