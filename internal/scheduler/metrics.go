package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// triggersSkipped counts due triggers dropped by coalescing
	triggersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_scheduler_triggers_skipped_total",
		Help: "Due triggers dropped because the job was still running or the loop fell behind",
	}, []string{"platform", "reason"})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_scheduler_runs_in_flight",
		Help: "Collection runs currently dispatched",
	})

	jobsScheduled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_scheduler_jobs",
		Help: "Jobs currently registered with the scheduler",
	})
)
