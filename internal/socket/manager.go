// Package socket owns the single push transport: one authenticated,
// reconnecting websocket connection to the realtime endpoint, a heartbeat
// keyed by the server-assigned session id, and the internal event bus that
// fans decoded frames out to subscribers.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/backend"
	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("parley:socket")

// State is the connection lifecycle state. Exactly one Manager (and thus one
// live transport) exists per process.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Backend is the slice of the REST client the socket manager needs.
type Backend interface {
	FetchSocketConfig(ctx context.Context) (*backend.SocketConfig, error)
	RegisterSession(ctx context.Context, sessionID, userID string) error
	DeregisterSession(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
	AuthorizeChannel(ctx context.Context, sessionID, channel string) (*backend.ChannelAuth, error)
}

// Options tune the reconnect policy and heartbeat cadence. Zero values take
// the production defaults; tests shrink them.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	HeartbeatEvery time.Duration
	Dialer         *websocket.Dialer
}

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultHeartbeat   = 25 * time.Second
)

// Manager maintains the websocket connection and the event bus.
type Manager struct {
	backend Backend
	self    string
	opts    Options

	mu             sync.Mutex
	state          State
	sessionID      string
	conn           *websocket.Conn
	cfg            *backend.SocketConfig
	attempts       int
	reconnectTimer *time.Timer
	hbStop         chan struct{}
	userClosed     bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	recent *eventLog
}

// recentEvents is how much demux history Recent keeps for diagnostics.
const recentEvents = 64

// New creates a socket manager for the given user. The manager does nothing
// until Connect is called.
func New(b Backend, selfID string, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeat
	}
	return &Manager{
		backend:  b,
		self:     selfID,
		opts:     opts,
		handlers: make(map[string][]Handler),
		recent:   newEventLog(recentEvents),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the server-assigned session id, empty unless connected.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Recent returns the last demultiplexed events, oldest first.
func (m *Manager) Recent() []Event {
	return m.recent.snapshot()
}

// Bind registers fn for an event name. Remote events use their wire names;
// the manager's own lifecycle events use the Event* constants. Handlers run
// on the read loop goroutine and must not block.
func (m *Manager) Bind(event string, fn Handler) {
	m.handlersMu.Lock()
	m.handlers[event] = append(m.handlers[event], fn)
	m.handlersMu.Unlock()
}

// Unbind removes all handlers for an event name.
func (m *Manager) Unbind(event string) {
	m.handlersMu.Lock()
	delete(m.handlers, event)
	m.handlersMu.Unlock()
}

// Connect opens the transport. It is a no-op while connected or while a
// connect attempt is in flight. Config fetch or dial failure moves the
// manager to disconnected, emits an error event, and schedules a reconnect
// if attempts remain.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.userClosed = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	cfg, err := m.backend.FetchSocketConfig(ctx)
	cancel()
	if err != nil {
		return m.connectFailed(err)
	}

	wsURL := socketURL(cfg)
	dialer := m.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return m.connectFailed(fmt.Errorf("dial %s: %w", wsURL, err))
	}

	m.mu.Lock()
	if m.userClosed {
		// Disconnect() raced the dial; drop the fresh connection.
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.cfg = cfg
	m.mu.Unlock()

	log.Infof("socket open to %s, waiting for establishment", wsURL)
	go m.readLoop(conn)
	return nil
}

// connectFailed records a failed connect attempt and schedules a retry.
func (m *Manager) connectFailed(err error) error {
	log.Warnf("connect failed: %v", err)
	m.mu.Lock()
	m.state = StateDisconnected
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.emit(Event{Event: EventError, Data: errData(err)})
	return err
}

// Disconnect is the user-initiated teardown. It forces the attempt counter
// to the maximum so no automatic reconnect fires afterwards, stops the
// heartbeat, closes the transport with a normal-closure code, and tells the
// backend to drop the session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.attempts = m.opts.MaxAttempts
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	sid := m.sessionID
	m.sessionID = ""
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		_ = conn.Close()
	}
	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := m.backend.DeregisterSession(ctx, sid); err != nil {
			log.Warnf("deregister session %s: %v", sid, err)
		}
	}
	log.Infof("socket disconnected by user")
}

// SubscribeChannel subscribes to a channel. Private and presence channels
// are authorized through the backend first; an authorization failure aborts
// only this subscription attempt and is not retried.
func (m *Manager) SubscribeChannel(name string) error {
	m.mu.Lock()
	sid := m.sessionID
	state := m.state
	m.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("subscribe %s: socket %s", name, state)
	}

	payload := subscribePayload{Channel: name}
	if strings.HasPrefix(name, prefixPrivate) || strings.HasPrefix(name, prefixPresence) {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		auth, err := m.backend.AuthorizeChannel(ctx, sid, name)
		cancel()
		if err != nil {
			log.Warnf("channel auth failed for %s: %v", name, err)
			return err
		}
		payload.Auth = auth.Auth
		if strings.HasPrefix(name, prefixPresence) {
			payload.ChannelData = auth.ChannelData
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.sendFrame(frame{Event: evtSubscribe, Data: data})
}

// UnsubscribeChannel sends an unsubscribe frame. No auth, no preconditions
// beyond an open transport.
func (m *Manager) UnsubscribeChannel(name string) error {
	data, err := json.Marshal(subscribePayload{Channel: name})
	if err != nil {
		return err
	}
	return m.sendFrame(frame{Event: evtUnsubscribe, Data: data})
}

// readLoop pulls frames off one connection until it dies.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.socketClosed(conn, err)
			return
		}
		m.handleFrame(data)
	}
}

// handleFrame demultiplexes one inbound frame. Malformed frames are logged
// and dropped; they never tear the connection down.
func (m *Manager) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch f.Event {
	case evtEstablished:
		m.handleEstablished(f)
	case evtSubSucceeded:
		log.Debugf("subscription succeeded on %s", f.Channel)
	case evtProtoError:
		log.Warnf("protocol error frame: %s", f.Data)
		m.emit(Event{Event: EventError, Data: f.Data})
	default:
		payload, err := decodeData(f.Data)
		if err != nil {
			log.Warnf("dropping %s frame: %v", f.Event, err)
			return
		}
		ev := Event{Event: f.Event, Channel: f.Channel, Data: payload}
		m.recent.add(ev)
		metrics.SocketFrames.WithLabelValues(f.Event).Inc()
		m.emit(ev)
		m.emitAs(EventMessage, ev)
	}
}

// handleEstablished finishes a connect attempt: record the session id, reset
// the attempt counter, register the session, start the heartbeat, subscribe
// the user channel.
func (m *Manager) handleEstablished(f frame) {
	var p establishedPayload
	raw, err := decodeData(f.Data)
	if err == nil {
		err = json.Unmarshal(raw, &p)
	}
	if err != nil || p.SocketID == "" {
		log.Errorf("bad connection_established payload: %v", err)
		return
	}

	m.mu.Lock()
	m.sessionID = p.SocketID
	m.state = StateConnected
	m.attempts = 0
	m.stopHeartbeatLocked()
	m.hbStop = make(chan struct{})
	hbStop := m.hbStop
	userCh := userChannel(m.cfg, m.self)
	m.mu.Unlock()

	log.Infof("socket established, session %s", p.SocketID)

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	if err := m.backend.RegisterSession(ctx, p.SocketID, m.self); err != nil {
		log.Warnf("register session: %v", err)
	}
	cancel()

	go m.heartbeatLoop(p.SocketID, hbStop)

	if userCh != "" {
		if err := m.SubscribeChannel(userCh); err != nil {
			log.Warnf("user channel subscribe: %v", err)
		}
	}

	m.emit(Event{Event: EventConnected})
}

// socketClosed handles the death of one connection. Abnormal closure
// schedules a reconnect unless the user disconnected.
func (m *Manager) socketClosed(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A stale read loop from a connection we already replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.sessionID = ""
	m.stopHeartbeatLocked()

	if m.userClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emit(Event{Event: EventDisconnected})
		return
	}

	log.Warnf("socket closed abnormally: %v", err)
	m.state = StateDisconnected
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.emit(Event{Event: EventDisconnected})
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.userClosed || m.attempts >= m.opts.MaxAttempts {
		log.Errorf("not reconnecting (attempts %d/%d)", m.attempts, m.opts.MaxAttempts)
		return
	}
	m.attempts++
	delay := ReconnectDelay(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	m.state = StateReconnecting
	metrics.SocketReconnects.Inc()
	log.Infof("reconnecting in %s (attempt %d/%d)", delay, m.attempts, m.opts.MaxAttempts)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(); err != nil {
			log.Warnf("reconnect attempt failed: %v", err)
		}
	})
}

// heartbeatLoop pings the backend while the session is alive. Failures are
// logged only; abnormal closure detection is the transport's job.
func (m *Manager) heartbeatLoop(sessionID string, stop chan struct{}) {
	t := time.NewTicker(m.opts.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			err := m.backend.Heartbeat(ctx, sessionID)
			cancel()
			if err != nil {
				metrics.Heartbeats.WithLabelValues("error").Inc()
				log.Warnf("heartbeat: %v", err)
			} else {
				metrics.Heartbeats.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// sendFrame writes one frame. Writes are serialized; gorilla connections do
// not tolerate concurrent writers.
func (m *Manager) sendFrame(f frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("socket not open")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// emit invokes handlers bound to ev.Event.
func (m *Manager) emit(ev Event) {
	m.emitAs(ev.Event, ev)
}

func (m *Manager) emitAs(name string, ev Event) {
	m.handlersMu.RLock()
	handlers := make([]Handler, len(m.handlers[name]))
	copy(handlers, m.handlers[name])
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// ReconnectDelay returns the backoff delay for a 1-based attempt number:
// min(base * 1.5^(attempt-1), max).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > max {
		d = max
	}
	return d
}

// socketURL builds the websocket endpoint from a fetched config.
func socketURL(cfg *backend.SocketConfig) string {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s:%d/app/%s?protocol=7&client=parley-go", scheme, cfg.Host, cfg.Port, cfg.AppKey)
}

// userChannel expands the user channel template for the local user.
func userChannel(cfg *backend.SocketConfig, selfID string) string {
	if cfg == nil || cfg.UserChannel == "" {
		return ""
	}
	return strings.ReplaceAll(cfg.UserChannel, "{id}", selfID)
}

func errData(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": err.Error()})
	return b
}
