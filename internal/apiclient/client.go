// ABOUTME: HTTP client for the gateway's internal API used by wa-admin and the watch loop
// ABOUTME: Authenticates with a bearer token, or the tenant header in development mode

package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/wa-gateway/internal/api"
	"github.com/2389/wa-gateway/internal/dispatch"
	"github.com/2389/wa-gateway/internal/webhook"
)

// DefaultTenantHeader identifies the tenant when no token is configured.
const DefaultTenantHeader = "X-Tenant-ID"

// Error is a non-2xx response from the internal API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status of an *Error, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Client talks to one wa-gateway instance as one tenant.
type Client struct {
	baseURL    string
	token      string
	tenantID   string
	httpClient *http.Client
}

// New creates a client. With an empty token the tenant id is sent in the
// development header instead.
func New(baseURL, token, tenantID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.tenantID != "":
		req.Header.Set(DefaultTenantHeader, c.tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// SessionStatus polls GET /api/session-status.
func (c *Client) SessionStatus(ctx context.Context) (*api.SessionStatus, error) {
	var st api.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/session-status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CheckConnection probes POST /api/check-connection.
func (c *Client) CheckConnection(ctx context.Context) (*api.SessionStatus, error) {
	var st api.SessionStatus
	if err := c.do(ctx, http.MethodPost, "/api/check-connection", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SessionAction issues POST /api/session.
func (c *Client) SessionAction(ctx context.Context, action api.Action) (*api.SessionStatus, error) {
	var st api.SessionStatus
	if err := c.do(ctx, http.MethodPost, "/api/session", api.SessionActionRequest{Action: action}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// QR requests a pairing payload via POST /api/qr.
func (c *Client) QR(ctx context.Context) (*api.SessionStatus, error) {
	var st api.SessionStatus
	if err := c.do(ctx, http.MethodPost, "/api/qr", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SendText sends a text message.
func (c *Client) SendText(ctx context.Context, to, text string) (*dispatch.Result, error) {
	var res dispatch.Result
	if err := c.do(ctx, http.MethodPost, "/api/messages/text", api.SendTextRequest{To: to, Text: text}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendMedia sends an image or file; kind is "image" or "file".
func (c *Client) SendMedia(ctx context.Context, kind string, req api.SendMediaRequest) (*dispatch.Result, error) {
	var res dispatch.Result
	if err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(kind), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyWebhook reads GET /api/webhook.
func (c *Client) VerifyWebhook(ctx context.Context) (*webhook.Verification, error) {
	var v webhook.Verification
	if err := c.do(ctx, http.MethodGet, "/api/webhook", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// EnsureWebhook calls POST /api/webhook.
func (c *Client) EnsureWebhook(ctx context.Context) (*webhook.Verification, error) {
	var v webhook.Verification
	if err := c.do(ctx, http.MethodPost, "/api/webhook", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetTenantConfig writes a tenant's persisted gateway tier (admin only).
func (c *Client) SetTenantConfig(ctx context.Context, tenantID string, req api.TenantConfigRequest) (*api.TenantConfigResponse, error) {
	var out api.TenantConfigResponse
	path := "/api/admin/tenants/" + url.PathEscape(tenantID) + "/config"
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAudit reads the audit trail (admin only). An empty tenantID lists all tenants.
func (c *Client) ListAudit(ctx context.Context, tenantID string, limit int) ([]api.AuditEntry, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/admin/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Entries []api.AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
