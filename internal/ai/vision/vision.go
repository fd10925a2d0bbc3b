// Package vision implements ai.Analyzer over the Azure OpenAI Responses API
// with streamed output.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/beme/internal/ai"
)

const (
	op = "vision"

	// DefaultMaxOutputTokens caps the length of one suggestion.
	DefaultMaxOutputTokens = 300
	// UserText accompanies every image.
	UserText = "What do you see?"

	staleContinuation = "previous_response_not_found"
	maxErrorBody      = 4 << 10
)

// Client analyzes screen frames.
type Client struct {
	cfg  ai.ProviderConfig
	http *http.Client
	log  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// New returns a Client for cfg.
func New(cfg ai.ProviderConfig, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport},
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "vision").Logger()
	if c.cfg.MaxOutputTokens <= 0 {
		c.cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return c
}

// URL returns the responses endpoint.
func (c *Client) URL() string {
	return strings.TrimRight(c.cfg.Endpoint, "/") + "/openai/v1/responses?api-version=preview"
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type request struct {
	Model              string         `json:"model"`
	Input              []inputMessage `json:"input"`
	Instructions       string         `json:"instructions"`
	Stream             bool           `json:"stream"`
	MaxOutputTokens    int            `json:"max_output_tokens"`
	Truncation         string         `json:"truncation"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
}

func (c *Client) buildRequest(req ai.AnalyzeRequest) request {
	mime := req.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = c.cfg.Prompt
	}
	return request{
		Model: c.cfg.Deployment,
		Input: []inputMessage{{
			Type: "message",
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: UserText},
				{Type: "input_image", ImageURL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)},
			},
		}},
		Instructions:       prompt,
		Stream:             true,
		MaxOutputTokens:    c.cfg.MaxOutputTokens,
		Truncation:         "auto",
		PreviousResponseID: req.Continuation,
	}
}

// Analyze sends one frame and returns the streamed answer. A continuation
// the server no longer knows is dropped and the call retried once without it.
func (c *Client) Analyze(ctx context.Context, req ai.AnalyzeRequest) (ai.TextStream, error) {
	resp, err := c.post(ctx, c.buildRequest(req))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusBadRequest && req.Continuation != "" {
		body := readErrorBody(resp)
		if !strings.Contains(body, staleContinuation) {
			return nil, ai.FromResponse(op, resp, body)
		}
		c.log.Warn().Str("previous_response_id", req.Continuation).Msg("Stale continuation, retrying without it")
		req.Continuation = ""
		if resp, err = c.post(ctx, c.buildRequest(req)); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ai.FromResponse(op, resp, readErrorBody(resp))
	}
	return newStream(resp.Body), nil
}

func (c *Client) post(ctx context.Context, body request) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(payload))
	if err != nil {
		return nil, &ai.Error{Kind: ai.KindConnection, Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.UseBearer {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else {
		httpReq.Header.Set("api-key", c.cfg.APIKey)
	}

	c.log.Debug().
		Str("model", body.Model).
		Int("payload_bytes", len(payload)).
		Bool("continuation", body.PreviousResponseID != "").
		Msg("Sending vision request")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ai.ConnectionError(op, err)
	}
	return resp, nil
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "failed to read error body"
	}
	return strings.TrimSpace(string(data))
}
