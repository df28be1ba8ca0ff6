package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_staging_sweep_runs_total",
			Help: "Total number of staging sweep runs by status.",
		},
		[]string{"status"},
	)
	stagingDirsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_staging_dirs_removed_total",
			Help: "Total number of orphaned staging directories removed.",
		},
	)
	stagingBytesFreedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_staging_bytes_freed_total",
			Help: "Total bytes freed by staging sweeps.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sweepRunsTotal,
		stagingDirsRemovedTotal,
		stagingBytesFreedTotal,
	)
}
