package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfill_sweeper_runs_total",
		Help: "Total number of expiry sweep passes.",
	})
	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfill_sweeper_rooms_expired_total",
		Help: "Total number of rooms closed by the expiry sweeper.",
	})
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfill_sweeper_scan_errors_total",
		Help: "Total number of failed room scans.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyfill_sweeper_pass_duration_seconds",
		Help:    "Duration of a single sweep pass.",
		Buckets: prometheus.DefBuckets,
	})
)
