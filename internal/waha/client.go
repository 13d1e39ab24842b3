// ABOUTME: HTTP client for one gateway endpoint and credential
// ABOUTME: Every request carries X-Api-Key; non-2xx responses become *Error

package waha

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
	"time"
)

// APIKeyHeader carries the gateway credential.
const APIKeyHeader = "X-Api-Key"

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
	maxBody        = 4 << 20
)

// Client talks to a single gateway with a single key. It is cheap to build;
// callers create one per resolved tenant configuration.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient shares an *http.Client (and its connection pool) across clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "waha")
	return c
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed", "op", op, "path", path, "error", err)
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Op:     op,
			Status: resp.StatusCode,
			State:  stateFromBody(data),
			Body:   string(data),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return &Error{Op: op, Status: resp.StatusCode, Err: err}
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

func sessionPath(name string, suffix ...string) string {
	p := "/sessions/" + url.PathEscape(name)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// CreateSession creates (and optionally starts) a session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, "create session", http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = req.Name
	}
	return &s, nil
}

// GetSession returns a session snapshot. A missing session is a 404 *Error.
func (c *Client) GetSession(ctx context.Context, name string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "get session", http.MethodGet, sessionPath(name), nil, &s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = name
	}
	return &s, nil
}

// ListSessions returns every session the gateway knows, stopped ones included.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, "list sessions", http.MethodGet, "/sessions?all=true", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartSession starts an existing session.
func (c *Client) StartSession(ctx context.Context, name string) error {
	return c.do(ctx, "start session", http.MethodPost, sessionPath(name, "start"), nil, nil)
}

// RestartSession stops and starts a session; it recovers sessions stuck in FAILED.
func (c *Client) RestartSession(ctx context.Context, name string) error {
	return c.do(ctx, "restart session", http.MethodPost, sessionPath(name, "restart"), nil, nil)
}

// LogoutSession unpairs the device but keeps the session.
func (c *Client) LogoutSession(ctx context.Context, name string) error {
	return c.do(ctx, "logout session", http.MethodPost, "/"+url.PathEscape(name)+"/auth/logout", nil, nil)
}

// UpdateSession replaces the session's configuration.
func (c *Client) UpdateSession(ctx context.Context, name string, cfg SessionConfig) error {
	body := struct {
		Config SessionConfig `json:"config"`
	}{Config: cfg}
	return c.do(ctx, "update session", http.MethodPut, sessionPath(name), body, nil)
}

// GetQR returns the raw pairing payload response body.
func (c *Client) GetQR(ctx context.Context, name string) ([]byte, error) {
	var raw []byte
	if err := c.do(ctx, "get qr", http.MethodGet, "/"+url.PathEscape(name)+"/auth/qr?format=raw", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SendText sends a text message.
func (c *Client) SendText(ctx context.Context, req SendTextRequest) (*SendResult, error) {
	var r SendResult
	if err := c.do(ctx, "send text", http.MethodPost, "/sendText", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SendImage sends an image with an optional caption.
func (c *Client) SendImage(ctx context.Context, req SendFileRequest) (*SendResult, error) {
	var r SendResult
	if err := c.do(ctx, "send image", http.MethodPost, "/sendImage", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SendFile sends a document attachment.
func (c *Client) SendFile(ctx context.Context, req SendFileRequest) (*SendResult, error) {
	var r SendResult
	if err := c.do(ctx, "send file", http.MethodPost, "/sendFile", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
