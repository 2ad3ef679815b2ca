package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/backend"
	"github.com/petervdpas/parley/internal/history"
	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/ringtone"
	"github.com/petervdpas/parley/internal/socket"
	"github.com/petervdpas/parley/internal/util"
)

const (
	// answerWait bounds how long an invite rings, on both ends.
	answerWait = 30 * time.Second
	// connectWait bounds how long media negotiation may take after accept.
	connectWait = 30 * time.Second
)

// FSM event names. The machine validates transitions; side effects live in
// the controller methods, not in callbacks.
const (
	evDial        = "dial"
	evRing        = "ring"
	evAccepted    = "accepted"
	evAnswer      = "answer"
	evEstablished = "established"
	evHangup      = "hangup"
)

// MediaOptions tune the per-call media session.
type MediaOptions struct {
	// StunURL overrides the STUN server. Empty keeps the default.
	StunURL string
	// DisableCapture skips microphone acquisition; the call is receive-only.
	DisableCapture bool
}

// Controller runs the call signaling state machine. One controller, at most
// one non-idle call at a time; a second invite gets an automatic busy reply.
type Controller struct {
	relay   Relay
	sock    SocketSource
	ringer  Ringer
	history HistoryStore
	self    Identity
	media   MediaOptions

	// newSession builds the media session for a call. Swapped in tests.
	newSession func(info *Info, hooks sessionHooks) (*Session, error)

	// Timer durations, shrunk in tests.
	answerWait  time.Duration
	connectWait time.Duration

	mu           sync.Mutex
	machine      *fsm.FSM
	info         *Info
	session      *Session
	pendingOffer *webrtc.SessionDescription
	pendingICE   []webrtc.ICECandidateInit
	answerTimer  *time.Timer
	connectTimer *time.Timer
	durStop      chan struct{}

	lmu       sync.Mutex
	listeners map[int]chan Event
	nextSub   int
}

// New builds a controller and binds it to the inbound signal stream.
func New(relay Relay, sock SocketSource, ringer Ringer, hist HistoryStore, self Identity, media MediaOptions) *Controller {
	c := &Controller{
		relay:       relay,
		sock:        sock,
		ringer:      ringer,
		history:     hist,
		self:        self,
		media:       media,
		listeners:   map[int]chan Event{},
		answerWait:  answerWait,
		connectWait: connectWait,
	}
	c.newSession = c.newMediaSession
	c.machine = fsm.NewFSM(string(StateIdle), fsm.Events{
		{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateCalling)},
		{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateIncoming)},
		{Name: evAccepted, Src: []string{string(StateCalling)}, Dst: string(StateConnecting)},
		{Name: evAnswer, Src: []string{string(StateIncoming)}, Dst: string(StateConnecting)},
		{Name: evEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: evHangup, Src: []string{
			string(StateCalling), string(StateIncoming),
			string(StateConnecting), string(StateConnected),
		}, Dst: string(StateIdle)},
	}, fsm.Callbacks{})
	sock.Bind(SignalEvent, c.onSignal)
	sock.Bind(socket.EventDisconnected, c.onSocketDown)
	return c
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.machine.Current())
}

// Current returns a copy of the active call's info, or nil when idle.
func (c *Controller) Current() *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	cp := *c.info
	return &cp
}

// Subscribe returns a buffered event channel and a cancel func. Events are
// dropped, not blocked on, when a subscriber falls behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.lmu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 16)
	c.listeners[id] = ch
	c.lmu.Unlock()
	cancel := func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
	return ch, cancel
}

func (c *Controller) emit(ev Event) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// MakeCall starts an outgoing call. Media is not touched yet; capture is
// acquired when the peer accepts.
func (c *Controller) MakeCall(peerID, peerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Can(evDial) {
		return fmt.Errorf("cannot place a call while %s", c.machine.Current())
	}
	info := &Info{
		CallID:   uuid.NewString(),
		PeerID:   peerID,
		PeerName: peerName,
		IsCaller: true,
	}
	c.info = info
	if err := c.machine.Event(context.Background(), evDial); err != nil {
		c.info = nil
		return err
	}
	metrics.Calls.WithLabelValues("outgoing").Inc()
	if err := c.sendControl(backend.SignalInvite, info); err != nil {
		c.resetLocked("signaling failed", "failed")
		return err
	}
	if err := c.ringer.Play(ringtone.ToneOutgoing); err != nil {
		log.Warnf("CALL [%s]: ring tone: %v", info.CallID, err)
	}
	c.startAnswerTimerLocked(info.CallID, true)
	log.Infof("CALL [%s]: calling %s", info.CallID, peerID)
	return nil
}

// AnswerCall accepts the ringing incoming call.
func (c *Controller) AnswerCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Can(evAnswer) {
		return errors.New("no incoming call to answer")
	}
	info := c.info
	sess, err := c.newSession(info, c.sessionHooks(info.CallID))
	if err != nil {
		c.sendControlAsync(backend.SignalReject, info)
		c.resetLocked(err.Error(), "failed")
		return err
	}
	c.session = sess
	c.ringer.Stop()
	c.stopTimersLocked()
	if err := c.machine.Event(context.Background(), evAnswer); err != nil {
		sess.Close()
		c.session = nil
		return err
	}
	c.startConnectTimerLocked(info.CallID)
	if err := c.sendControl(backend.SignalAccept, info); err != nil {
		c.resetLocked("signaling failed", "failed")
		return err
	}
	// Offer and candidates that raced ahead of the accept replay now.
	if offer := c.pendingOffer; offer != nil {
		c.pendingOffer = nil
		if err := sess.HandleOffer(*offer); err != nil {
			c.sendControlAsync(backend.SignalEnd, info)
			c.resetLocked("media negotiation failed", "failed")
			return err
		}
	}
	queued := c.pendingICE
	c.pendingICE = nil
	for _, cand := range queued {
		sess.HandleRemoteCandidate(cand)
	}
	log.Infof("CALL [%s]: answered", info.CallID)
	return nil
}

// RejectCall declines the ringing incoming call.
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.machine.Current()) != StateIncoming {
		return errors.New("no incoming call to reject")
	}
	c.sendControlAsync(backend.SignalReject, c.info)
	c.resetLocked("declined", "declined")
	return nil
}

// HangUp ends the active call from any non-idle state. While still ringing
// out it cancels the invite; once accepted it ends the call proper.
func (c *Controller) HangUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State(c.machine.Current())
	switch st {
	case StateIdle:
		return errors.New("no active call")
	case StateCalling:
		c.sendControlAsync(backend.SignalCancel, c.info)
		c.resetLocked("canceled", "canceled")
	case StateIncoming:
		c.sendControlAsync(backend.SignalReject, c.info)
		c.resetLocked("declined", "declined")
	default:
		c.sendControlAsync(backend.SignalEnd, c.info)
		if st == StateConnected {
			c.resetLocked("ended", "completed")
		} else {
			c.resetLocked("ended", "canceled")
		}
	}
	return nil
}

// onSignal is the inbound demultiplexer for call-signal push events. It runs
// on the socket read loop.
func (c *Controller) onSignal(ev socket.Event) {
	var env signalEnvelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		log.Warnf("CALL: bad signal envelope: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.SignalType == backend.SignalInvite {
		c.handleInviteLocked(env.Data)
		return
	}
	// Everything else belongs to the active call, if any.
	if c.info == nil || c.info.CallID != env.Data.CallID {
		log.Debugf("CALL: dropping %s for unknown call %s", env.SignalType, env.Data.CallID)
		return
	}
	switch env.SignalType {
	case backend.SignalAccept:
		c.handleAcceptLocked()
	case backend.SignalReject:
		if State(c.machine.Current()) == StateCalling {
			c.resetLocked("declined by peer", "declined")
		}
	case backend.SignalBusy:
		if State(c.machine.Current()) == StateCalling {
			c.resetLocked("peer is busy", "peer busy")
		}
	case backend.SignalCancel:
		c.resetLocked("canceled by peer", "canceled")
	case backend.SignalEnd:
		if State(c.machine.Current()) == StateConnected {
			c.resetLocked("ended by peer", "completed")
		} else {
			c.resetLocked("ended by peer", "canceled")
		}
	case backend.SignalOffer:
		c.handleOfferLocked(env.Data.SignalData)
	case backend.SignalAnswer:
		c.handleAnswerLocked(env.Data.SignalData)
	case backend.SignalICE:
		c.handleICELocked(env.Data.SignalData)
	default:
		log.Debugf("CALL [%s]: unknown signal type %q", env.Data.CallID, env.SignalType)
	}
}

func (c *Controller) handleInviteLocked(d signalData) {
	if !c.machine.Can(evRing) {
		if c.info != nil && c.info.CallID == d.CallID {
			// Duplicate invite for the call we are already handling.
			return
		}
		// Busy: reply without touching the active call.
		log.Infof("CALL: busy reply to invite %s from %s", d.CallID, d.FromID)
		c.sendControlAsync(backend.SignalBusy, &Info{CallID: d.CallID, PeerID: d.FromID})
		return
	}
	c.info = &Info{
		CallID:     d.CallID,
		PeerID:     d.FromID,
		PeerName:   d.FromName,
		PeerAvatar: d.FromAvatar,
	}
	if err := c.machine.Event(context.Background(), evRing); err != nil {
		log.Errorf("CALL [%s]: ring transition: %v", d.CallID, err)
		c.info = nil
		return
	}
	metrics.Calls.WithLabelValues("incoming").Inc()
	if err := c.ringer.Play(ringtone.ToneIncoming); err != nil {
		log.Warnf("CALL [%s]: ring tone: %v", d.CallID, err)
	}
	c.startAnswerTimerLocked(d.CallID, false)
	log.Infof("CALL [%s]: incoming from %s (%s)", d.CallID, d.FromID, d.FromName)
	c.emit(Event{Type: EventIncoming, Info: *c.info})
}

func (c *Controller) handleAcceptLocked() {
	if !c.machine.Can(evAccepted) {
		return
	}
	info := c.info
	c.ringer.Stop()
	c.stopTimersLocked()
	sess, err := c.newSession(info, c.sessionHooks(info.CallID))
	if err != nil {
		log.Errorf("CALL [%s]: %v", info.CallID, err)
		c.sendControlAsync(backend.SignalEnd, info)
		c.resetLocked(err.Error(), "failed")
		return
	}
	c.session = sess
	if err := c.machine.Event(context.Background(), evAccepted); err != nil {
		log.Errorf("CALL [%s]: accept transition: %v", info.CallID, err)
		return
	}
	c.startConnectTimerLocked(info.CallID)
	// This side is the original offerer.
	if err := sess.Offer(); err != nil {
		log.Errorf("CALL [%s]: offer: %v", info.CallID, err)
		c.sendControlAsync(backend.SignalEnd, info)
		c.resetLocked("media negotiation failed", "failed")
		return
	}
	queued := c.pendingICE
	c.pendingICE = nil
	for _, cand := range queued {
		sess.HandleRemoteCandidate(cand)
	}
}

func (c *Controller) handleOfferLocked(raw json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		log.Warnf("CALL [%s]: bad offer payload: %v", c.info.CallID, err)
		return
	}
	if c.session == nil {
		// The offer raced ahead of the local answer. Single slot; a newer
		// offer (ICE restart) supersedes the old one.
		c.pendingOffer = &desc
		return
	}
	if err := c.session.HandleOffer(desc); err != nil {
		log.Errorf("CALL [%s]: handle offer: %v", c.info.CallID, err)
		c.sendControlAsync(backend.SignalEnd, c.info)
		c.resetLocked("media negotiation failed", "failed")
	}
}

func (c *Controller) handleAnswerLocked(raw json.RawMessage) {
	if c.session == nil {
		log.Warnf("CALL [%s]: answer with no session", c.info.CallID)
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		log.Warnf("CALL [%s]: bad answer payload: %v", c.info.CallID, err)
		return
	}
	if err := c.session.HandleAnswer(desc); err != nil {
		log.Errorf("CALL [%s]: handle answer: %v", c.info.CallID, err)
		c.sendControlAsync(backend.SignalEnd, c.info)
		c.resetLocked("media negotiation failed", "failed")
	}
}

func (c *Controller) handleICELocked(raw json.RawMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		log.Warnf("CALL [%s]: bad candidate payload: %v", c.info.CallID, err)
		return
	}
	if c.session == nil {
		c.pendingICE = append(c.pendingICE, cand)
		return
	}
	c.session.HandleRemoteCandidate(cand)
}

// onSocketDown ends a call only when the transport is terminally gone; a
// reconnecting socket leaves established media alone.
func (c *Controller) onSocketDown(socket.Event) {
	if c.sock.State() != socket.StateDisconnected {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.machine.Current()) == StateIdle {
		return
	}
	log.Warnf("CALL [%s]: signaling transport lost", c.info.CallID)
	c.resetLocked("signaling lost", "signaling lost")
}

// sessionHooks routes session callbacks back into the controller, guarding
// against a stale session surviving a call teardown.
func (c *Controller) sessionHooks(callID string) sessionHooks {
	return sessionHooks{
		onConnected: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.info == nil || c.info.CallID != callID {
				return
			}
			if !c.machine.Can(evEstablished) {
				return
			}
			if err := c.machine.Event(context.Background(), evEstablished); err != nil {
				log.Errorf("CALL [%s]: established transition: %v", callID, err)
				return
			}
			c.stopTimersLocked()
			c.info.StartTime = time.Now()
			c.startDurationTickerLocked()
			log.Infof("CALL [%s]: connected", callID)
			c.emit(Event{Type: EventConnected, Info: *c.info})
		},
		onClosed: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.info == nil || c.info.CallID != callID {
				return
			}
			c.sendControlAsync(backend.SignalEnd, c.info)
			if State(c.machine.Current()) == StateConnected {
				c.resetLocked("media failed", "completed")
			} else {
				c.resetLocked("media failed", "failed")
			}
		},
	}
}

func (c *Controller) startAnswerTimerLocked(callID string, caller bool) {
	c.answerTimer = time.AfterFunc(c.answerWait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.info == nil || c.info.CallID != callID {
			return
		}
		st := State(c.machine.Current())
		if caller && st == StateCalling {
			log.Infof("CALL [%s]: no answer", callID)
			c.sendControlAsync(backend.SignalCancel, c.info)
			c.resetLocked("no answer", "no answer")
		} else if !caller && st == StateIncoming {
			log.Infof("CALL [%s]: missed", callID)
			c.resetLocked("missed", "missed")
		}
	})
}

func (c *Controller) startConnectTimerLocked(callID string) {
	c.connectTimer = time.AfterFunc(c.connectWait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.info == nil || c.info.CallID != callID {
			return
		}
		if State(c.machine.Current()) != StateConnecting {
			return
		}
		log.Infof("CALL [%s]: connection timed out", callID)
		c.sendControlAsync(backend.SignalEnd, c.info)
		c.resetLocked("connection timed out", "failed")
	})
}

func (c *Controller) startDurationTickerLocked() {
	stop := make(chan struct{})
	c.durStop = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.mu.Lock()
				if c.info == nil || c.info.StartTime.IsZero() {
					c.mu.Unlock()
					return
				}
				c.info.Duration = int(time.Since(c.info.StartTime).Seconds())
				ev := Event{Type: EventTick, Info: *c.info}
				c.mu.Unlock()
				c.emit(ev)
			}
		}
	}()
}

func (c *Controller) stopTimersLocked() {
	if c.answerTimer != nil {
		c.answerTimer.Stop()
		c.answerTimer = nil
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// resetLocked tears the active call down and returns to idle. reason is the
// user-facing cause in the ended event; outcome is what the history records.
func (c *Controller) resetLocked(reason, outcome string) {
	c.ringer.Stop()
	c.stopTimersLocked()
	if c.durStop != nil {
		close(c.durStop)
		c.durStop = nil
	}
	sess := c.session
	c.session = nil
	c.pendingOffer = nil
	c.pendingICE = nil
	if sess != nil {
		go sess.Close()
	}

	info := c.info
	c.info = nil
	if State(c.machine.Current()) != StateIdle {
		if err := c.machine.Event(context.Background(), evHangup); err != nil {
			log.Errorf("CALL: hangup transition: %v", err)
		}
	}
	if info == nil {
		return
	}
	if info.StartTime.IsZero() {
		metrics.CallFailures.WithLabelValues(outcome).Inc()
	} else {
		info.Duration = int(time.Since(info.StartTime).Seconds())
	}
	if c.history != nil {
		dir := "incoming"
		if info.IsCaller {
			dir = "outgoing"
		}
		err := c.history.Record(history.Entry{
			CallID:    info.CallID,
			PeerID:    info.PeerID,
			PeerName:  info.PeerName,
			Direction: dir,
			Outcome:   outcome,
			StartedAt: info.StartTime,
			Duration:  info.Duration,
		})
		if err != nil {
			log.Warnf("CALL [%s]: record history: %v", info.CallID, err)
		}
	}
	log.Infof("CALL [%s]: ended (%s)", info.CallID, reason)
	c.emit(Event{Type: EventEnded, Info: *info, Reason: reason})
}

// sendControl ships one control signal for the given call, synchronously.
func (c *Controller) sendControl(sigType string, info *Info) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	return c.relay.SendSignal(ctx, &backend.Signal{
		CallID:     info.CallID,
		TargetID:   info.PeerID,
		Type:       sigType,
		FromID:     c.self.UserID,
		FromName:   c.self.DisplayName,
		FromAvatar: c.self.AvatarURL,
	})
}

// sendControlAsync is sendControl for paths where a relay failure changes
// nothing about the local outcome.
func (c *Controller) sendControlAsync(sigType string, info *Info) {
	callID, target := info.CallID, info.PeerID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		err := c.relay.SendSignal(ctx, &backend.Signal{
			CallID:     callID,
			TargetID:   target,
			Type:       sigType,
			FromID:     c.self.UserID,
			FromName:   c.self.DisplayName,
			FromAvatar: c.self.AvatarURL,
		})
		if err != nil {
			log.Warnf("CALL [%s]: send %s: %v", callID, sigType, err)
		}
	}()
}

// newMediaSession is the production session factory: real peer connection,
// platform capture, Pion plumbing.
func (c *Controller) newMediaSession(info *Info, hooks sessionHooks) (*Session, error) {
	pc, cleanup, err := initMediaPC(c.media, info.CallID)
	if err != nil {
		return nil, err
	}
	return newSession(info, c.relay, c.self, pc, cleanup, hooks, defaultRecoveryWait), nil
}
