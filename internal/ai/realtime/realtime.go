// Package realtime implements ai.AudioOpener over the Azure OpenAI Realtime
// WebSocket API with client-owned turn boundaries.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/metrics"
)

const (
	op = "realtime"

	// APIVersion is the realtime API version requested on connect.
	APIVersion = "2025-04-01-preview"

	dialTimeout      = 10 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 2 * time.Second
	maxMessageSize   = 16 << 20
	// HeartbeatInterval is how often the writer pings the server.
	HeartbeatInterval = 30 * time.Second
	// DefaultCommitInterval applies when CommitPolicy is zero.
	DefaultCommitInterval = 3 * time.Second
	inboundQueue          = 64
	eventQueue            = 128
)

// CommitPolicy decides when uncommitted audio becomes a model turn. A commit
// happens once Bytes (if > 0) have been appended, or Interval (if > 0) has
// elapsed since the first uncommitted append, whichever comes first.
type CommitPolicy struct {
	Bytes    int
	Interval time.Duration
}

func (p CommitPolicy) normalized() CommitPolicy {
	if p.Bytes <= 0 && p.Interval <= 0 {
		p.Interval = DefaultCommitInterval
	}
	return p
}

// Client opens realtime audio sessions.
type Client struct {
	cfg       ai.ProviderConfig
	policy    CommitPolicy
	heartbeat time.Duration
	dialer    *websocket.Dialer
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCommitPolicy sets the commit policy.
func WithCommitPolicy(p CommitPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHeartbeat overrides the ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics records commits and dropped chunks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a Client for cfg.
func New(cfg ai.ProviderConfig, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		heartbeat: HeartbeatInterval,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = c.policy.normalized()
	c.log = c.log.With().Str("component", "realtime").Logger()
	return c
}

// URL builds the realtime endpoint from the configured resource endpoint.
// Plain http endpoints map to ws, everything else to wss.
func (c *Client) URL() (string, error) {
	endpoint := strings.TrimSpace(c.cfg.Endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad endpoint URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in endpoint URL %q", c.cfg.Endpoint)
	}

	scheme := "wss"
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "ws"
	}
	q := url.Values{}
	q.Set("api-version", APIVersion)
	q.Set("deployment", c.cfg.Deployment)
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/openai/realtime", RawQuery: q.Encode()}).String(), nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.cfg.UseBearer {
		h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else {
		h.Set("api-key", c.cfg.APIKey)
	}
	return h
}

// OpenAudioSession connects, disables server turn detection and returns the
// live session. Handshake failures are returned; later failures arrive as
// an error status on the session's event stream.
func (c *Client) OpenAudioSession(ctx context.Context, opts ai.AudioSessionOptions) (ai.AudioSession, error) {
	wsURL, err := c.URL()
	if err != nil {
		return nil, &ai.Error{Kind: ai.KindConnection, Op: op, Err: err}
	}

	c.log.Debug().Str("url", wsURL).Msg("Connecting")
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
				return nil, ai.FromResponse(op, resp, strings.TrimSpace(string(body)))
			}
		}
		return nil, ai.ConnectionError(op, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	conn.SetReadLimit(maxMessageSize)

	prompt := opts.Prompt
	if prompt == "" {
		prompt = c.cfg.Prompt
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(newSessionUpdate(prompt)); err != nil {
		conn.Close()
		return nil, ai.ConnectionError(op, fmt.Errorf("send session config: %w", err))
	}

	c.log.Info().Str("deployment", c.cfg.Deployment).Msg("Realtime session opened")
	return newSession(conn, c.policy, c.heartbeat, c.metrics, c.log), nil
}
