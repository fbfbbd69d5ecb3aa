package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfill_rooms_created_total",
		Help: "Total number of rooms created.",
	})
	roomsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_rooms_closed_total",
			Help: "Total number of rooms closed, by reason (expired, ended).",
		},
		[]string{"reason"},
	)
	roomMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_room_mutations_total",
			Help: "Total number of persisted room mutations.",
		},
		[]string{"op"},
	)
	moderationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_moderation_decisions_total",
			Help: "Moderation decisions by scope and result.",
		},
		[]string{"scope", "result"},
	)
	storiesRevealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyfill_stories_revealed_total",
		Help: "Total number of stories revealed.",
	})
	polishRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyfill_polish_requests_total",
			Help: "Story polish requests by status.",
		},
		[]string{"status"},
	)
	polishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyfill_polish_duration_seconds",
		Help:    "Histogram of story polish request durations.",
		Buckets: prometheus.DefBuckets,
	})
)
