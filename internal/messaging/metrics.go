package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storyfill_events_published_total",
		Help: "Room events published, by transport, event type and status.",
	},
	[]string{"transport", "type", "status"},
)

func observePublish(transport, eventType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	eventsPublishedTotal.WithLabelValues(transport, eventType, status).Inc()
}
