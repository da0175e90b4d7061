package router

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "forward",
			Name:      "attempts_total",
			Help:      "Forwarding attempts by outcome",
		},
		[]string{"outcome"},
	)

	forwardRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "forward",
			Name:      "retries_total",
			Help:      "Attempts beyond the first within one request",
		},
	)

	selectorVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "selector",
			Name:      "verdicts_total",
			Help:      "Selector outcomes",
		},
		[]string{"verdict"},
	)

	scrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "scrape",
			Name:      "total",
			Help:      "Upstream /metrics scrapes by result",
		},
		[]string{"result"},
	)

	healthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "health",
			Name:      "transitions_total",
			Help:      "Upstream liveness transitions",
		},
		[]string{"to"},
	)

	configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mvllm",
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Config reload attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		forwardAttemptsTotal,
		forwardRetriesTotal,
		selectorVerdictsTotal,
		scrapesTotal,
		healthTransitionsTotal,
		configReloadsTotal,
	)
}
