// Package client implements the HTTP/SSE client for the qbit agent server.
//
// The client exercises the server's streaming execution protocol: sessions are
// created and deleted with plain JSON requests, while Execute opens a
// streaming POST and decodes the resulting text/event-stream frames into
// Events. Keep-alive is disabled on the underlying transport so that every
// execute call owns exactly one connection and releases it deterministically.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 1 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Client talks to a single qbit server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client. The caller is
// responsible for keeping keep-alives disabled if the one-connection-per-call
// guarantee matters to them.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetries sets the connection-retry bound and the linear backoff base for
// Execute. maxRetries counts retries, not attempts: 3 retries means up to 4
// requests on the wire.
func WithRetries(maxRetries int, retryDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     zap.NewNop(),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// Keep-alive is disabled as a correctness device, not an optimization:
		// each execute call holds one connection for its lifetime and the
		// connection is gone the moment the call ends.
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				DialContext: (&net.Dialer{
					Timeout: defaultDialTimeout,
				}).DialContext,
			},
		}
	}
	c.logger = c.logger.With(zap.String("baseURL", c.baseURL))
	c.logger.Debug("Created qbit client")
	return c, nil
}

// StatusError is a non-2xx response from the server. It indicates a semantic
// rejection (unknown session, bad request) rather than a transient condition
// and is never retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, truncate(e.Body, 200))
}

// SessionOption configures CreateSession.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	workspace   string
	autoApprove bool
}

// WithWorkspace sets the working directory for the session.
func WithWorkspace(path string) SessionOption {
	return func(cfg *sessionConfig) { cfg.workspace = path }
}

// WithManualApproval disables auto-approval of tool calls for the session.
func WithManualApproval() SessionOption {
	return func(cfg *sessionConfig) { cfg.autoApprove = false }
}

// CreateSession creates a new server-side session and returns its ID. The ID
// is an opaque token; beyond non-emptiness the client does not validate it.
func (c *Client) CreateSession(ctx context.Context, opts ...SessionOption) (string, error) {
	cfg := sessionConfig{autoApprove: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	payload := map[string]any{"auto_approve": cfg.autoApprove}
	if cfg.workspace != "" {
		payload["workspace"] = cfg.workspace
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON(ctx, "/sessions", payload, &result); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("create session: server returned empty session_id")
	}
	c.logger.Debug("Session created", zap.String("sessionID", result.SessionID))
	return result.SessionID, nil
}

// DeleteSession deletes a session. It returns true iff the server responded
// 204; any other status means the session was already gone and is not an
// error.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	deleted := resp.StatusCode == http.StatusNoContent
	c.logger.Debug("Session delete", zap.String("sessionID", sessionID), zap.Bool("deleted", deleted))
	return deleted, nil
}

// Health reports whether the server answers its health endpoint. Transport
// failures are swallowed: an unreachable server is simply not healthy.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// WaitForReady polls the health endpoint until the server answers or the
// timeout elapses.
func (c *Client) WaitForReady(ctx context.Context, timeout, pollInterval time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if c.Health(waitCtx) {
			return true
		}
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// postJSON issues a non-streaming JSON POST and decodes the response body
// into target. Non-2xx statuses come back as *StatusError.
func (c *Client) postJSON(ctx context.Context, path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
