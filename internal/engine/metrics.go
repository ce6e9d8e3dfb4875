package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	engineStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiobookd",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Engine starts by category",
		},
		[]string{"category"},
	)

	engineStopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audiobookd",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Engine stops by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(engineStartsTotal, engineStopsTotal)
}
