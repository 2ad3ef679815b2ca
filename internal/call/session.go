package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/backend"
	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/util"
)

const (
	// maxICERestarts bounds renegotiation; only the original caller restarts.
	maxICERestarts = 2

	defaultRecoveryWait = 10 * time.Second
)

// peerConn is the slice of *webrtc.PeerConnection the session uses. Tests
// substitute a fake; production wires the real thing from initMediaPC.
type peerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// sessionHooks are the session's callbacks into the controller. onConnected
// fires at most once; onClosed fires on terminal media failure.
type sessionHooks struct {
	onConnected func()
	onClosed    func(err error)
}

// Session owns one peer media session. Never reused across calls.
//
// Two gates order the candidate traffic: locally generated candidates are
// queued until the local SDP of the current negotiation round has been
// transmitted, and remote candidates are queued until the remote SDP has
// been applied. Each queue is flushed exactly once, in order.
type Session struct {
	callID   string
	peerID   string
	isCaller bool
	relay    Relay
	from     Identity
	pc       peerConn
	cleanup  func() // releases capture tracks; may be nil
	sink     *RemoteAudioSink
	hooks    sessionHooks

	recoveryWait time.Duration

	mu            sync.Mutex
	localSDPSent  bool
	remoteApplied bool
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
	restarts      int
	recoveryTimer *time.Timer
	lastICE       webrtc.ICEConnectionState
	connected     bool
	failed        bool
	closed        bool
}

// newSession wires a session around an existing peer connection.
func newSession(info *Info, relay Relay, from Identity, pc peerConn, cleanup func(), hooks sessionHooks, recoveryWait time.Duration) *Session {
	if recoveryWait <= 0 {
		recoveryWait = defaultRecoveryWait
	}
	s := &Session{
		callID:       info.CallID,
		peerID:       info.PeerID,
		isCaller:     info.IsCaller,
		relay:        relay,
		from:         from,
		pc:           pc,
		cleanup:      cleanup,
		sink:         newRemoteAudioSink(info.CallID),
		hooks:        hooks,
		recoveryWait: recoveryWait,
	}
	s.installHandlers()
	return s
}

func (s *Session) installHandlers() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.mu.Lock()
		if !s.localSDPSent {
			s.pendingLocal = append(s.pendingLocal, init)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.sendPayload(backend.SignalICE, init); err != nil {
			log.Warnf("CALL [%s]: send candidate: %v", s.callID, err)
		}
	})

	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Debugf("CALL [%s]: ICE state %s", s.callID, st)
		s.mu.Lock()
		s.lastICE = st
		s.mu.Unlock()
		switch st {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			s.cancelRecovery()
			s.maybeConnected()
		case webrtc.ICEConnectionStateDisconnected:
			s.scheduleRecovery()
		case webrtc.ICEConnectionStateFailed:
			s.cancelRecovery()
			s.restartOrFail()
		}
	})

	// Some platforms report connectivity on the aggregate state before (or
	// instead of) the ICE state; whichever fires first wins.
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("CALL [%s]: connection state %s", s.callID, st)
		if st == webrtc.PeerConnectionStateConnected {
			s.maybeConnected()
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.sink.AttachTrack(track, receiver)
	})
}

// Offer creates and transmits the initial SDP offer. Caller side only.
func (s *Session) Offer() error {
	return s.negotiate(false)
}

// negotiate runs one offer round: create, apply locally, transmit, then
// open the local candidate gate for this round.
func (s *Session) negotiate(restart bool) error {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("apply local offer: %w", err)
	}
	if err := s.sendPayload(backend.SignalOffer, offer); err != nil {
		return fmt.Errorf("transmit offer: %w", err)
	}
	s.openLocalGate()
	return nil
}

// HandleOffer applies a remote offer and answers it. Any error is fatal to
// the call.
func (s *Session) HandleOffer(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.openRemoteGate()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("apply local answer: %w", err)
	}
	if err := s.sendPayload(backend.SignalAnswer, answer); err != nil {
		return fmt.Errorf("transmit answer: %w", err)
	}
	s.openLocalGate()
	return nil
}

// HandleAnswer applies the remote answer to our offer. Fatal on error.
func (s *Session) HandleAnswer(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	s.openRemoteGate()
	return nil
}

// HandleRemoteCandidate queues or applies one remote ICE candidate. A
// payload without a candidate string is the end-of-candidates sentinel and
// is discarded. Individual application failures are logged and skipped.
func (s *Session) HandleRemoteCandidate(init webrtc.ICECandidateInit) {
	if init.Candidate == "" {
		return
	}
	s.mu.Lock()
	if !s.remoteApplied {
		s.pendingRemote = append(s.pendingRemote, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Warnf("CALL [%s]: apply candidate: %v", s.callID, err)
	}
}

// openLocalGate marks the current round's local SDP as transmitted and
// flushes queued local candidates, in order, one relay call each.
func (s *Session) openLocalGate() {
	s.mu.Lock()
	s.localSDPSent = true
	queued := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()
	for _, c := range queued {
		if err := s.sendPayload(backend.SignalICE, c); err != nil {
			log.Warnf("CALL [%s]: send queued candidate: %v", s.callID, err)
		}
	}
}

// openRemoteGate marks remote SDP applied and flushes the remote candidate
// queue exactly once, preserving arrival order.
func (s *Session) openRemoteGate() {
	s.mu.Lock()
	s.remoteApplied = true
	queued := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: apply queued candidate: %v", s.callID, err)
		}
	}
}

// maybeConnected reports connectivity to the controller, once.
func (s *Session) maybeConnected() {
	s.mu.Lock()
	if s.connected || s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.mu.Unlock()
	if s.hooks.onConnected != nil {
		s.hooks.onConnected()
	}
}

// scheduleRecovery gives a disconnected ICE session time to recover on its
// own before it counts against the restart budget.
func (s *Session) scheduleRecovery() {
	s.mu.Lock()
	if s.closed || s.recoveryTimer != nil {
		s.mu.Unlock()
		return
	}
	log.Infof("CALL [%s]: ICE disconnected, waiting %s for recovery", s.callID, s.recoveryWait)
	s.recoveryTimer = time.AfterFunc(s.recoveryWait, func() {
		s.mu.Lock()
		s.recoveryTimer = nil
		still := s.lastICE == webrtc.ICEConnectionStateDisconnected
		s.mu.Unlock()
		if still {
			s.restartOrFail()
		}
	})
	s.mu.Unlock()
}

func (s *Session) cancelRecovery() {
	s.mu.Lock()
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	s.mu.Unlock()
}

// restartOrFail performs an ICE restart if this side is the caller and the
// budget allows; otherwise the failure is terminal.
func (s *Session) restartOrFail() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.isCaller {
		s.mu.Unlock()
		s.fail(errors.New("media path failed"))
		return
	}
	if s.restarts >= maxICERestarts {
		s.mu.Unlock()
		s.fail(fmt.Errorf("media path failed after %d restarts", maxICERestarts))
		return
	}
	s.restarts++
	n := s.restarts
	// New negotiation round: both gates close, both queues reset.
	s.localSDPSent = false
	s.remoteApplied = false
	s.pendingLocal = nil
	s.pendingRemote = nil
	s.mu.Unlock()

	metrics.ICERestarts.Inc()
	log.Infof("CALL [%s]: ICE restart %d/%d", s.callID, n, maxICERestarts)
	if err := s.negotiate(true); err != nil {
		s.fail(fmt.Errorf("ICE restart: %w", err))
	}
}

// fail reports a terminal media failure to the controller, once.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failed || s.closed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.mu.Unlock()
	log.Errorf("CALL [%s]: %v", s.callID, err)
	if s.hooks.onClosed != nil {
		s.hooks.onClosed(err)
	}
}

// Close tears the session down: recovery timer, candidate queues, capture
// tracks, audio sink, peer connection. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	s.pendingLocal = nil
	s.pendingRemote = nil
	s.mu.Unlock()

	if s.cleanup != nil {
		s.cleanup()
	}
	s.sink.Close()
	if err := s.pc.Close(); err != nil {
		log.Warnf("CALL [%s]: close peer connection: %v", s.callID, err)
	}
	log.Debugf("CALL [%s]: session closed", s.callID)
}

// Sink exposes the remote audio sink for rendering.
func (s *Session) Sink() *RemoteAudioSink {
	return s.sink
}

// sendPayload marshals payload and ships it through the relay, addressed to
// the session's peer and call.
func (s *Session) sendPayload(sigType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sigType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	return s.relay.SendSignal(ctx, &backend.Signal{
		CallID:   s.callID,
		TargetID: s.peerID,
		Type:     sigType,
		FromID:   s.from.UserID,
		Payload:  raw,
	})
}
