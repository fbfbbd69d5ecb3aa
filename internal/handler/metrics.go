package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfill_http_error_responses_total",
		Help: "Total number of API error responses by status and code.",
	}, []string{"status", "code"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyfill_ws_connections_active",
		Help: "Number of open room WebSocket connections.",
	})
	wsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyfill_ws_rejected_total",
		Help: "Total number of WebSocket connections closed during the handshake, by close code.",
	}, []string{"code"})
)
