package narration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	narrationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_narration_requests_total",
			Help: "Narration requests by outcome (existing, blocked, cache_hit, queued, rejected).",
		},
		[]string{"outcome"},
	)
	narrationJobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_narration_jobs_finished_total",
			Help: "Narration jobs finished by status (ready, error).",
		},
		[]string{"status"},
	)
	synthesisRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_synthesis_requests_total",
			Help: "Calls to the speech synthesis service by status.",
		},
		[]string{"status"},
	)
	synthesisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyfill_synthesis_duration_seconds",
		Help:    "Histogram of speech synthesis call durations.",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfill_synthesis_breaker_state",
		Help: "Synthesis circuit breaker state (0 closed, 1 half-open, 2 open).",
	})
	jobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storyfill_narration_jobs",
			Help: "Narration jobs currently tracked, by status.",
		},
		[]string{"status"},
	)
	cacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfill_narration_cache_items",
		Help: "Entries in the fast narration cache tier.",
	})
)
