package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts collection runs by platform and outcome
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_runs_total",
		Help: "Collection runs by platform and outcome",
	}, []string{"platform", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monitor_run_duration_seconds",
		Help:    "Collection run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"platform"})

	itemsNewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_items_new_total",
		Help: "Items inserted by collection runs",
	}, []string{"platform"})

	itemsUpdatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_items_updated_total",
		Help: "Existing items whose metrics were refreshed",
	}, []string{"platform"})
)
