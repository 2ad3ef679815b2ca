// Package backend is the REST client for the platform backend: socket
// configuration, session registration and heartbeats, channel authorization,
// and the call-signal relay. It is the outbound half of the signaling
// channel; the inbound half is the push socket (internal/socket). The two
// are deliberately separate types — signaling is a request-style path out
// and a push-style path in, never one bidirectional pipe.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/petervdpas/parley/internal/util"
)

// SocketConfig is the transport configuration fetched once per connect
// attempt. Channel templates carry an "{id}" placeholder substituted with
// the local user id (user channel) or left as-is (system channel).
type SocketConfig struct {
	Scheme        string `json:"scheme"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AppKey        string `json:"app_key"`
	UserChannel   string `json:"user_channel"`
	SystemChannel string `json:"system_channel"`
}

// ChannelAuth is a signed authorization token for a private or presence
// channel. ChannelData is only present for presence channels.
type ChannelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// Signal types ferried over the call relay.
const (
	SignalInvite = "invite"
	SignalAccept = "accept"
	SignalReject = "reject"
	SignalCancel = "cancel"
	SignalEnd    = "end"
	SignalBusy   = "busy"
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// Signal is one call-control or SDP/ICE payload addressed to a peer.
// Payload holds the SDP or candidate JSON for offer/answer/ice and is
// empty for the control types.
type Signal struct {
	CallID     string          `json:"call_id"`
	TargetID   string          `json:"target_id"`
	Type       string          `json:"signal_type"`
	FromID     string          `json:"from_id"`
	FromName   string          `json:"from_name,omitempty"`
	FromAvatar string          `json:"from_avatar,omitempty"`
	Payload    json.RawMessage `json:"signal_data,omitempty"`
}

// Client talks to the platform backend over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a backend client for baseURL. token may be empty when the
// backend authenticates by other means (cookies, mTLS).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// FetchSocketConfig fetches the transport coordinates and channel templates.
func (c *Client) FetchSocketConfig(ctx context.Context) (*SocketConfig, error) {
	var cfg SocketConfig
	if err := c.do(ctx, http.MethodGet, "/realtime/config", nil, &cfg); err != nil {
		return nil, fmt.Errorf("fetch socket config: %w", err)
	}
	if cfg.Host == "" || cfg.AppKey == "" {
		return nil, fmt.Errorf("fetch socket config: incomplete config (host=%q app_key=%q)", cfg.Host, cfg.AppKey)
	}
	return &cfg, nil
}

// RegisterSession associates a live socket session with the user channel.
func (c *Client) RegisterSession(ctx context.Context, sessionID, userID string) error {
	body := map[string]string{"session_id": sessionID, "user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/realtime/sessions", body, nil); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// DeregisterSession drops a session on the backend. Called on user disconnect.
func (c *Client) DeregisterSession(ctx context.Context, sessionID string) error {
	path := "/realtime/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deregister session: %w", err)
	}
	return nil
}

// Heartbeat pings the backend to keep sessionID alive.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	path := "/realtime/sessions/" + url.PathEscape(sessionID) + "/heartbeat"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// AuthorizeChannel requests a signed token for a private or presence channel,
// keyed by (sessionID, channel).
func (c *Client) AuthorizeChannel(ctx context.Context, sessionID, channel string) (*ChannelAuth, error) {
	body := map[string]string{"session_id": sessionID, "channel_name": channel}
	var auth ChannelAuth
	if err := c.do(ctx, http.MethodPost, "/realtime/auth", body, &auth); err != nil {
		return nil, fmt.Errorf("authorize channel %s: %w", channel, err)
	}
	return &auth, nil
}

// SendSignal relays one call-control or SDP/ICE signal to sig.TargetID.
func (c *Client) SendSignal(ctx context.Context, sig *Signal) error {
	if err := c.do(ctx, http.MethodPost, "/calls/signal", sig, nil); err != nil {
		return fmt.Errorf("send %s signal: %w", sig.Type, err)
	}
	return nil
}

// do performs one JSON request/response round trip. out may be nil when the
// response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
