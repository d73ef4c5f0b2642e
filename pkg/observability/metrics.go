package observability

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process Metrics
var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoheal_build_info",
			Help: "Build information of the running agent",
		},
		[]string{"version", "commit", "go_version"},
	)

	EngineReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoheal_engine_reachable",
			Help: "Whether the last engine ping succeeded (1) or failed (0)",
		},
	)
)

// RecordBuildInfo publishes the build info gauge.
func RecordBuildInfo(version, commit string) {
	BuildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

// RecordEngineReachable records the outcome of an engine ping.
func RecordEngineReachable(ok bool) {
	if ok {
		EngineReachable.Set(1)
		return
	}
	EngineReachable.Set(0)
}
