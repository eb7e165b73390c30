package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket and SSE Metrics
//
// Long-lived stream sessions are tracked separately from plain requests.

var (
	// ActiveWebSocketSessions tracks currently open WebSocket sessions.
	ActiveWebSocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_websocket_sessions_active",
			Help: "Number of currently open WebSocket sessions",
		},
	)

	// WebSocketFramesTotal counts frames by direction and opcode.
	// Labels: direction (in, out), opcode (text, binary, ping, pong, close, cont)
	WebSocketFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_websocket_frames_total",
			Help: "Total number of WebSocket frames",
		},
		[]string{"direction", "opcode"},
	)

	// SSEEventsTotal counts dispatched SSE events.
	SSEEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_sse_events_total",
			Help: "Total number of SSE events dispatched",
		},
	)

	// SSEReconnects counts SSE stream reconnections.
	SSEReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_sse_reconnects_total",
			Help: "Total number of SSE reconnections",
		},
	)
)

// WebSocketConnected records a session opening.
func WebSocketConnected() {
	ActiveWebSocketSessions.Inc()
}

// WebSocketDisconnected records a session closing.
func WebSocketDisconnected() {
	ActiveWebSocketSessions.Dec()
}
