package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turncast_server_sse_connections_active",
		Help: "Number of currently connected SSE observers",
	})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turncast_server_ws_connections_active",
		Help: "Number of currently connected WebSocket observers",
	})
)
