package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/backend"
)

// fakeBackend records REST traffic from the manager.
type fakeBackend struct {
	cfg     *backend.SocketConfig
	authErr error

	mu           sync.Mutex
	registered   []string
	deregistered []string
	heartbeats   int
	authed       []string
}

func (f *fakeBackend) FetchSocketConfig(context.Context) (*backend.SocketConfig, error) {
	return f.cfg, nil
}

func (f *fakeBackend) RegisterSession(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, sessionID)
	return nil
}

func (f *fakeBackend) DeregisterSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, sessionID)
	return nil
}

func (f *fakeBackend) Heartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBackend) AuthorizeChannel(_ context.Context, _, channel string) (*backend.ChannelAuth, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = append(f.authed, channel)
	return &backend.ChannelAuth{Auth: "key-1:signature"}, nil
}

// wsServer is a minimal push endpoint: it accepts upgrades and hands the
// server side of each connection to the test.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu    sync.Mutex
	dials int
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.dials++
		s.mu.Unlock()
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *wsServer) config(userChannel string) *backend.SocketConfig {
	u, _ := url.Parse(s.srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return &backend.SocketConfig{
		Scheme:      "ws",
		Host:        host,
		Port:        port,
		AppKey:      "key-1",
		UserChannel: userChannel,
	}
}

// accept waits for the next server-side connection.
func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

// establish sends the connection_established frame with a string-wrapped
// data payload, the way pusher-style servers encode it.
func establish(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	inner, _ := json.Marshal(map[string]any{"socket_id": sessionID, "activity_timeout": 120})
	err := conn.WriteJSON(map[string]any{
		"event": "pusher:connection_established",
		"data":  string(inner),
	})
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectDelay(t *testing.T) {
	base, max := 2000*time.Millisecond, 30*time.Second
	assert.Equal(t, 2000*time.Millisecond, ReconnectDelay(1, base, max))
	assert.Equal(t, 3000*time.Millisecond, ReconnectDelay(2, base, max))
	assert.Equal(t, 4500*time.Millisecond, ReconnectDelay(3, base, max))
	assert.Equal(t, max, ReconnectDelay(10, base, max))
	// Attempt numbers below 1 clamp to the base delay.
	assert.Equal(t, base, ReconnectDelay(0, base, max))
}

func TestConnectEstablishAndSubscribe(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("private-user.{id}")}
	m := New(fb, "alice", Options{HeartbeatEvery: time.Hour})

	connected := make(chan struct{}, 1)
	m.Bind(EventConnected, func(Event) { connected <- struct{}{} })

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-1")

	// The manager registers the session, authorizes the private user
	// channel, and sends the subscribe frame.
	var sub frame
	require.NoError(t, conn.ReadJSON(&sub))
	assert.Equal(t, "pusher:subscribe", sub.Event)
	var payload subscribePayload
	require.NoError(t, json.Unmarshal(sub.Data, &payload))
	assert.Equal(t, "private-user.alice", payload.Channel)
	assert.Equal(t, "key-1:signature", payload.Auth)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "sid-1", m.SessionID())
	fb.mu.Lock()
	assert.Equal(t, []string{"sid-1"}, fb.registered)
	assert.Equal(t, []string{"private-user.alice"}, fb.authed)
	fb.mu.Unlock()

	m.Disconnect()
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("")}
	m := New(fb, "alice", Options{HeartbeatEvery: time.Hour})

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-1")
	waitFor(t, func() bool { return m.State() == StateConnected }, "connected state")

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ws.dialCount(), "a connected manager must not dial again")

	m.Disconnect()
}

func TestEventDemultiplexing(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("")}
	m := New(fb, "alice", Options{HeartbeatEvery: time.Hour})

	got := make(chan Event, 1)
	all := make(chan Event, 1)
	m.Bind("call-signal", func(ev Event) { got <- ev })
	m.Bind(EventMessage, func(ev Event) { all <- ev })

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-1")
	waitFor(t, func() bool { return m.State() == StateConnected }, "connected state")

	// String-wrapped data must come out as plain JSON.
	inner, _ := json.Marshal(map[string]any{"signal_type": "invite"})
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":   "call-signal",
		"channel": "private-user.alice",
		"data":    string(inner),
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "call-signal", ev.Event)
		assert.Equal(t, "private-user.alice", ev.Channel)
		assert.JSONEq(t, `{"signal_type":"invite"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("bound handler never fired")
	}
	select {
	case ev := <-all:
		assert.Equal(t, "call-signal", ev.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("message handler never fired")
	}

	waitFor(t, func() bool { return len(m.Recent()) == 1 }, "event in recent buffer")
	m.Disconnect()
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("")}
	m := New(fb, "alice", Options{
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		HeartbeatEvery: time.Hour,
	})

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-7")
	waitFor(t, func() bool { return m.State() == StateConnected }, "connected state")

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, m.SessionID())

	// The backoff window passes without a new dial.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ws.dialCount())
	fb.mu.Lock()
	assert.Equal(t, []string{"sid-7"}, fb.deregistered)
	fb.mu.Unlock()
}

func TestAbnormalClosureSchedulesReconnect(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("")}
	m := New(fb, "alice", Options{
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		HeartbeatEvery: time.Hour,
	})

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	establish(t, conn, "sid-1")
	waitFor(t, func() bool { return m.State() == StateConnected }, "connected state")

	// Kill the connection without a close frame.
	conn.Close()

	conn2 := ws.accept(t)
	defer conn2.Close()
	establish(t, conn2, "sid-2")
	waitFor(t, func() bool { return m.SessionID() == "sid-2" }, "re-established session")
	assert.Equal(t, StateConnected, m.State())
	assert.GreaterOrEqual(t, ws.dialCount(), 2)

	m.Disconnect()
}

func TestChannelAuthFailureAbortsOnlySubscription(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("private-user.{id}"), authErr: errors.New("forbidden")}
	m := New(fb, "alice", Options{HeartbeatEvery: time.Hour})

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-1")
	waitFor(t, func() bool { return m.State() == StateConnected }, "connected state")

	// The failed auth aborts the subscription but not the connection.
	err := m.SubscribeChannel("private-calls.alice")
	require.ErrorIs(t, err, fb.authErr)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "sid-1", m.SessionID())

	// No subscribe frame ever reaches the server, including the one for
	// the user channel during establishment.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f frame
	require.Error(t, conn.ReadJSON(&f), "unexpected frame %+v", f)

	m.Disconnect()
}

func TestRecentEventsWrapAround(t *testing.T) {
	l := newEventLog(4)
	for i := 0; i < 6; i++ {
		l.add(Event{Event: fmt.Sprintf("e%d", i)})
	}
	got := l.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, "e2", got[0].Event)
	assert.Equal(t, "e5", got[3].Event)

	// Below capacity the log returns exactly what went in, in order.
	short := newEventLog(4)
	short.add(Event{Event: "only"})
	got = short.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].Event)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	fb := &fakeBackend{cfg: &backend.SocketConfig{Host: "example.com", AppKey: "k"}}
	m := New(fb, "alice", Options{})
	err := m.SubscribeChannel("private-user.alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")
}

func TestHeartbeatWhileConnected(t *testing.T) {
	ws := newWSServer(t)
	fb := &fakeBackend{cfg: ws.config("")}
	m := New(fb, "alice", Options{HeartbeatEvery: 10 * time.Millisecond})

	require.NoError(t, m.Connect())
	conn := ws.accept(t)
	defer conn.Close()
	establish(t, conn, "sid-1")

	waitFor(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.heartbeats >= 2
	}, "heartbeats")

	m.Disconnect()
	fb.mu.Lock()
	n := fb.heartbeats
	fb.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	fb.mu.Lock()
	// One in-flight ping may still land; after that the loop is gone.
	assert.LessOrEqual(t, fb.heartbeats, n+1, "heartbeat must stop on disconnect")
	fb.mu.Unlock()
}

func TestUserChannelTemplate(t *testing.T) {
	cfg := &backend.SocketConfig{UserChannel: "private-user.{id}"}
	assert.Equal(t, "private-user.bob", userChannel(cfg, "bob"))
	assert.Empty(t, userChannel(nil, "bob"))
	assert.Empty(t, userChannel(&backend.SocketConfig{}, "bob"))
}

func TestSocketURL(t *testing.T) {
	cfg := &backend.SocketConfig{Host: "push.example.com", Port: 6001, AppKey: "key-1"}
	assert.Equal(t, "ws://push.example.com:6001/app/key-1?protocol=7&client=parley-go", socketURL(cfg))
	cfg.Scheme = "wss"
	assert.Equal(t, "wss://push.example.com:6001/app/key-1?protocol=7&client=parley-go", socketURL(cfg))
}
