package hostmon

import "github.com/prometheus/client_golang/prometheus"

var hostTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "audiobookd",
		Subsystem: "hosts",
		Name:      "transitions_total",
		Help:      "Host availability transitions",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(hostTransitionsTotal)
}
