package jobs

import "github.com/prometheus/client_golang/prometheus"

var jobItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "audiobookd",
		Subsystem: "jobs",
		Name:      "items_total",
		Help:      "Job items processed by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(jobItemsTotal)
}
