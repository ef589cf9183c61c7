// Package opencode is a client for the opencode agent server that runs
// inside each sandbox: sessions, prompts, permission replies, and the
// server-sent event feed.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Config holds client settings.
type Config struct {
	HTTPClient *http.Client // used for request/response calls; defaults to http.DefaultClient
	// StreamClient is used for the event feed and must not set a Timeout.
	StreamClient *http.Client
	Username     string // basic auth user, defaults to "opencode" when Password is set
	Password     string
	Logger       *slog.Logger // defaults to slog.Default()
}

// Client talks to an opencode server. The base URL is passed per call since
// every sandbox listens on its own port.
type Client struct {
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = &http.Client{Transport: cfg.HTTPClient.Transport}
	}
	if cfg.Password != "" && cfg.Username == "" {
		cfg.Username = "opencode"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{config: cfg}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opencode API error (status %d): %s", e.StatusCode, e.Body)
}

// Session is an agent conversation on the server.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// SessionOptions configures CreateSession.
type SessionOptions struct {
	Title string `json:"title,omitempty"`
}

// Part is one piece of prompt input.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextPart returns a text prompt part.
func TextPart(text string) Part { return Part{Type: "text", Text: text} }

// Model selects the provider model for a prompt.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptOptions configures SendPromptAsync.
type PromptOptions struct {
	Model *Model
	Agent string
}

// PermissionResponse is the answer to a permission prompt.
type PermissionResponse string

const (
	PermissionOnce   PermissionResponse = "once"
	PermissionAlways PermissionResponse = "always"
	PermissionReject PermissionResponse = "reject"
)

// Health checks that the server is up and reports itself healthy.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	var out struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, baseURL, "/global/health", nil, &out); err != nil {
		return fmt.Errorf("opencode: health: %w", err)
	}
	if !out.Healthy {
		return fmt.Errorf("opencode: health: server reports unhealthy")
	}
	return nil
}

// CreateSession starts a new session.
func (c *Client) CreateSession(ctx context.Context, baseURL string, opts SessionOptions) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, baseURL, "/session", opts, &s); err != nil {
		return nil, fmt.Errorf("opencode: create session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("opencode: create session: response has no id")
	}
	return &s, nil
}

// SendPromptAsync queues a prompt on the session without waiting for the
// agent to answer. Progress arrives on the event feed.
func (c *Client) SendPromptAsync(ctx context.Context, baseURL, sessionID string, parts []Part, opts PromptOptions) error {
	body := struct {
		Parts []Part `json:"parts"`
		Model *Model `json:"model,omitempty"`
		Agent string `json:"agent,omitempty"`
	}{Parts: parts, Model: opts.Model, Agent: opts.Agent}

	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	if err := c.do(ctx, http.MethodPost, baseURL, path, body, nil); err != nil {
		return fmt.Errorf("opencode: send prompt: %w", err)
	}
	return nil
}

// AbortSession stops any work in progress on the session.
func (c *Client) AbortSession(ctx context.Context, baseURL, sessionID string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/abort"
	if err := c.do(ctx, http.MethodPost, baseURL, path, nil, nil); err != nil {
		return fmt.Errorf("opencode: abort session: %w", err)
	}
	return nil
}

// ReplyPermission answers a permission prompt raised by the agent.
func (c *Client) ReplyPermission(ctx context.Context, baseURL, sessionID, permissionID string, response PermissionResponse) error {
	body := struct {
		Response PermissionResponse `json:"response"`
	}{Response: response}

	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	if err := c.do(ctx, http.MethodPost, baseURL, path, body, nil); err != nil {
		return fmt.Errorf("opencode: reply permission: %w", err)
	}
	return nil
}

// SubscribeEvents opens the server's event feed. Events are delivered on the
// returned channel until the stream ends or ctx is cancelled, after which the
// channel is closed. Transport and decode failures arrive as StreamEvent.Err.
func (c *Client) SubscribeEvents(ctx context.Context, baseURL string) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("opencode: subscribe: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err := c.config.StreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opencode: subscribe: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("opencode: subscribe: %w", &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	ch := make(chan StreamEvent, 64)
	go readSSE(ctx, resp.Body, ch, c.config.Logger.With("base_url", baseURL))
	return ch, nil
}

func (c *Client) do(ctx context.Context, method, baseURL, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.config.Password != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
}
