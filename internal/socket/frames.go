package socket

import (
	"encoding/json"
	"fmt"
)

// Reserved control event names. These are intercepted by the manager and
// never republished on the event bus.
const (
	evtEstablished  = "pusher:connection_established"
	evtSubSucceeded = "pusher_internal:subscription_succeeded"
	evtProtoError   = "pusher:error"

	evtSubscribe   = "pusher:subscribe"
	evtUnsubscribe = "pusher:unsubscribe"
)

// Local event names emitted by the manager itself, alongside remote events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	// EventMessage receives every republished remote event unconditionally.
	EventMessage = "message"
)

// Channel name prefixes that require a signed authorization token.
const (
	prefixPrivate  = "private-"
	prefixPresence = "presence-"
)

// frame is the wire shape of every message on the socket, in and out:
// {event, data, channel?}. Data may be a JSON object or a double-encoded
// JSON string; decodeData normalizes both.
type frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// subscribePayload is the data of a pusher:subscribe frame. Auth and
// ChannelData are only set for private/presence channels.
type subscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// establishedPayload carries the server-assigned session id.
type establishedPayload struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout,omitempty"`
}

// Event is one demultiplexed inbound event as republished on the bus.
type Event struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Handler receives events from the bus. Handlers run on the socket read
// loop goroutine, so within one manager they are never invoked concurrently.
type Handler func(Event)

// decodeData normalizes a frame's data field. Servers in the wild send both
// a JSON object and a JSON string containing serialized JSON; the second
// form needs one more decode pass.
func decodeData(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("unwrap string data: %w", err)
	}
	return json.RawMessage(inner), nil
}
