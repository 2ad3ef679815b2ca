package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSocketConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/realtime/config", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SocketConfig{
			Scheme:      "ws",
			Host:        "push.example.com",
			Port:        6001,
			AppKey:      "key-1",
			UserChannel: "private-user.{id}",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1")
	cfg, err := c.FetchSocketConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "push.example.com", cfg.Host)
	assert.Equal(t, "private-user.{id}", cfg.UserChannel)
}

func TestFetchSocketConfigIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SocketConfig{Scheme: "ws"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").FetchSocketConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete config")
}

func TestSessionLifecycle(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/realtime/sessions":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "sid-9", body["session_id"])
			assert.Equal(t, "alice", body["user_id"])
		case r.Method == http.MethodDelete && r.URL.Path == "/realtime/sessions/sid-9":
		case r.Method == http.MethodPost && r.URL.Path == "/realtime/sessions/sid-9/heartbeat":
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	require.NoError(t, c.RegisterSession(ctx, "sid-9", "alice"))
	require.NoError(t, c.Heartbeat(ctx, "sid-9"))
	require.NoError(t, c.DeregisterSession(ctx, "sid-9"))
	assert.Len(t, calls, 3)
}

func TestAuthorizeChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/auth", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "private-user.alice", body["channel_name"])
		json.NewEncoder(w).Encode(ChannelAuth{Auth: "key-1:signature"})
	}))
	defer srv.Close()

	auth, err := New(srv.URL, "").AuthorizeChannel(context.Background(), "sid-9", "private-user.alice")
	require.NoError(t, err)
	assert.Equal(t, "key-1:signature", auth.Auth)
}

func TestSendSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls/signal", r.URL.Path)
		var sig Signal
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sig))
		assert.Equal(t, SignalInvite, sig.Type)
		assert.Equal(t, "bob", sig.TargetID)
		assert.Equal(t, "alice", sig.FromID)
	}))
	defer srv.Close()

	err := New(srv.URL, "").SendSignal(context.Background(), &Signal{
		CallID:   "c-1",
		TargetID: "bob",
		Type:     SignalInvite,
		FromID:   "alice",
	})
	require.NoError(t, err)
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "target offline", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := New(srv.URL, "").SendSignal(context.Background(), &Signal{Type: SignalInvite})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "target offline")
}
