package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sweepsTotal tracks sweep runs
	// Labels: result (success, error)
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Total number of unhealthy container sweeps",
		},
		[]string{"result"},
	)

	// sweepRestartsTotal tracks successful restarts issued by sweeps
	sweepRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "monitor",
			Name:      "sweep_restarts_total",
			Help:      "Total number of containers restarted by sweeps",
		},
	)

	// sweepDuration tracks how long a sweep takes
	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "autoheal",
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of unhealthy container sweeps",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// streamRunsTotal tracks event stream runs that ended without cancellation
	// Labels: outcome (ended, malformed, error)
	streamRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "monitor",
			Name:      "stream_runs_total",
			Help:      "Total number of event stream runs by how they ended",
		},
		[]string{"outcome"},
	)

	// reportsTotal tracks action reports from the event stream
	// Labels: outcome (restarted, killed, none)
	reportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "monitor",
			Name:      "reports_total",
			Help:      "Total number of action reports by outcome",
		},
		[]string{"outcome"},
	)
)
