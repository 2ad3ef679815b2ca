// Package call drives the voice-call lifecycle: the signaling state machine
// and the per-call media session negotiated with Pion. Outbound signaling
// goes through the REST relay (Relay); inbound signaling arrives as push
// events from the socket layer. Coupling to both sides is via narrow
// interfaces only.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/backend"
	"github.com/petervdpas/parley/internal/history"
	"github.com/petervdpas/parley/internal/ringtone"
	"github.com/petervdpas/parley/internal/socket"
)

var log = logging.Logger("parley:call")

// SignalEvent is the push event name carrying call-signal envelopes on the
// user channel.
const SignalEvent = "call-signal"

// Relay is the outbound half of the signaling channel: a request-style REST
// path, deliberately distinct from the push socket the events come in on.
type Relay interface {
	SendSignal(ctx context.Context, sig *backend.Signal) error
}

// SocketSource is the slice of the socket manager the controller needs:
// event binding for inbound signals and the transport state for the
// end-call-on-signaling-loss policy.
type SocketSource interface {
	Bind(event string, fn socket.Handler)
	State() socket.State
}

// Ringer plays and stops the ring cues.
type Ringer interface {
	Play(t ringtone.Tone) error
	Stop()
}

// HistoryStore records finished calls. Optional.
type HistoryStore interface {
	Record(e history.Entry) error
}

// Identity is the local user as presented to peers in signals.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// State is the call lifecycle state. At most one non-idle call exists
// process-wide.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// Info describes the active call. Created on invite in either direction,
// destroyed on return to idle.
type Info struct {
	CallID     string
	PeerID     string
	PeerName   string
	PeerAvatar string
	IsCaller   bool
	StartTime  time.Time // zero until connected
	Duration   int       // whole seconds in the connected state
}

// EventType tags controller events.
type EventType string

const (
	// EventIncoming fires when an invite arrives while idle.
	EventIncoming EventType = "incoming"
	// EventConnected fires when media connectivity is established.
	EventConnected EventType = "connected"
	// EventTick fires once per second while connected.
	EventTick EventType = "tick"
	// EventEnded fires on every return to idle, with a reason.
	EventEnded EventType = "ended"
)

// Event is one call lifecycle notification.
type Event struct {
	Type   EventType
	Info   Info
	Reason string
}

// Media acquisition failures, mapped to user-facing reasons.
var (
	ErrMicPermission   = errors.New("microphone permission denied")
	ErrNoAudioDevice   = errors.New("no audio input device")
	ErrAudioDeviceBusy = errors.New("audio input device busy")
)

// signalEnvelope is the wire shape of an inbound call-signal push event.
type signalEnvelope struct {
	SignalType string     `json:"signal_type"`
	Data       signalData `json:"data"`
}

type signalData struct {
	CallID     string          `json:"call_id"`
	FromID     string          `json:"from_id"`
	FromName   string          `json:"from_name"`
	FromAvatar string          `json:"from_avatar"`
	TargetID   string          `json:"target_id"`
	SignalData json.RawMessage `json:"signal_data,omitempty"`
}
