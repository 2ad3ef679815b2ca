// Package metrics exposes Prometheus collectors for the realtime layer.
// Everything registers on the default registry; embedders expose it however
// they like (promhttp, push, or not at all).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SocketReconnects counts automatic reconnect attempts after abnormal closure.
	SocketReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_socket_reconnects_total",
		Help: "Automatic websocket reconnect attempts.",
	})

	// SocketFrames counts demultiplexed inbound frames by event name.
	SocketFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_socket_frames_total",
		Help: "Inbound websocket frames republished on the event bus.",
	}, []string{"event"})

	// Heartbeats counts heartbeat pings by result ("ok" or "error").
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_heartbeats_total",
		Help: "Session heartbeat pings sent to the backend.",
	}, []string{"result"})

	// Calls counts calls by direction ("outgoing" or "incoming").
	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_calls_total",
		Help: "Voice calls attempted, by direction.",
	}, []string{"direction"})

	// CallFailures counts calls that ended without connecting, by reason.
	CallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_call_failures_total",
		Help: "Calls that ended without reaching the connected state.",
	}, []string{"reason"})

	// ICERestarts counts ICE restart offers sent by the caller side.
	ICERestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_ice_restarts_total",
		Help: "ICE restart negotiations initiated.",
	})
)
