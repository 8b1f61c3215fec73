package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turncast",
		Subsystem: "session",
		Name:      "active_sessions",
		Help:      "Number of sessions with a live subprocess.",
	})

	observersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turncast",
		Subsystem: "session",
		Name:      "observers_active",
		Help:      "Number of currently attached observers.",
	})

	eventsBroadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turncast",
		Subsystem: "session",
		Name:      "events_broadcast_total",
		Help:      "Total protocol events broadcast to sessions.",
	})

	observersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turncast",
		Subsystem: "session",
		Name:      "observers_dropped_total",
		Help:      "Observers dropped because their outbound queue overflowed.",
	})

	turnsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turncast",
		Subsystem: "session",
		Name:      "turns_completed_total",
		Help:      "Completed turns, by terminal status.",
	}, []string{"status"})
)
