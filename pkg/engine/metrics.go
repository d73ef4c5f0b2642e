package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics follow Prometheus naming conventions:
// - Namespace: autoheal
// - Subsystem: engine
// - Counter suffix: _total

var (
	healthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "engine",
			Name:      "health_events_total",
			Help:      "Total number of health events read from the engine event stream",
		},
		[]string{"health"}, // healthy, unhealthy, starting, none, other
	)

	malformedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "engine",
			Name:      "malformed_events_total",
			Help:      "Total number of event stream lines that could not be parsed",
		},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autoheal",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Total number of remediation actions by kind and result",
		},
		[]string{"action", "result"}, // action: restart|kill|skip, result: success|failure|not_found|error
	)

	trackedContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autoheal",
			Subsystem: "engine",
			Name:      "tracked_containers",
			Help:      "Number of containers with a non-zero consecutive unhealthy count",
		},
	)
)

func recordAction(action, result string) {
	actionsTotal.WithLabelValues(action, result).Inc()
}

func recordHealthEvent(health string) {
	healthEventsTotal.WithLabelValues(healthLabel(health)).Inc()
}

// healthLabel keeps the health label set bounded: statuses the engine does
// not define are counted as "other".
func healthLabel(health string) string {
	switch health {
	case "healthy", "unhealthy", "starting", "none":
		return health
	default:
		return "other"
	}
}
