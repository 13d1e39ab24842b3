// ABOUTME: Request and response bodies of the internal HTTP surface
// ABOUTME: Shared by the gateway handlers, the CLI client and the reconciliation loop

package api

import (
	"time"

	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/waha"
)

// Action is a user-initiated session command.
type Action string

// Session actions.
const (
	ActionConnect      Action = "connect"
	ActionReconnect    Action = "reconnect"
	ActionLogout       Action = "logout"
	ActionChangeNumber Action = "change_number"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionConnect, ActionReconnect, ActionLogout, ActionChangeNumber:
		return true
	}
	return false
}

// Disconnects reports whether a is expected to take a connected session offline.
func (a Action) Disconnects() bool {
	return a == ActionLogout || a == ActionChangeNumber
}

// SessionStatus mirrors the remote session plus an optional pairing payload.
type SessionStatus struct {
	Status           waha.Status      `json:"status"`
	Session          string           `json:"session,omitempty"`
	Account          *waha.Account    `json:"account,omitempty"`
	QR               *pairing.Payload `json:"qr,omitempty"`
	AlreadyConnected bool             `json:"already_connected,omitempty"`
}

// SessionActionRequest is the body of POST /api/session.
type SessionActionRequest struct {
	Action Action `json:"action"`
}

// SendTextRequest is the body of POST /api/messages/text.
type SendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendMediaRequest is the body of POST /api/messages/image and /file.
type SendMediaRequest struct {
	To       string `json:"to"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// TenantConfigRequest is the body of PUT /api/admin/tenants/{id}/config.
// Empty fields clear the stored value.
type TenantConfigRequest struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// TenantConfigResponse reports the stored tier with the key masked.
type TenantConfigResponse struct {
	TenantID    string `json:"tenant_id"`
	BaseURL     string `json:"base_url,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

// AuditEntry is one audit row as served by GET /api/admin/audit.
type AuditEntry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Target    string         `json:"target,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MaskKey hides all but the last four characters of a credential.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
