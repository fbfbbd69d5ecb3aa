package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storyfill_rate_limited_total",
		Help: "Total number of requests rejected by rate limits, by rule.",
	},
	[]string{"rule"},
)
