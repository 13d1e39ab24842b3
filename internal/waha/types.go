// ABOUTME: Wire types for the session-based messaging gateway HTTP API
// ABOUTME: Sessions, account details, webhook bindings and send requests

package waha

import (
	"encoding/json"
	"strings"
)

// Status is a remote session lifecycle state.
type Status string

// Session states. StatusScanQRCode is the gateway's spelling of
// StatusAwaitingPairing; decoded snapshots never carry it.
const (
	StatusStarting        Status = "STARTING"
	StatusAwaitingPairing Status = "AWAITING_PAIRING"
	StatusScanQRCode      Status = "SCAN_QR_CODE"
	StatusWorking         Status = "WORKING"
	StatusFailed          Status = "FAILED"
	StatusStopped         Status = "STOPPED"
	StatusNotFound        Status = "NOT_FOUND"
)

// DefaultSessionName is the name single-tenant deployments use.
const DefaultSessionName = "default"

// NormalizeStatus maps gateway spellings onto the states this system uses.
func NormalizeStatus(s string) Status {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusScanQRCode:
		return StatusAwaitingPairing
	case "":
		return StatusNotFound
	default:
		return st
	}
}

// Account is the paired device identity once a session is WORKING.
type Account struct {
	ID          string `json:"id"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// UnmarshalJSON accepts both the {id, name, phone} and {id, pushName} shapes.
func (a *Account) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		PushName    string `json:"pushName"`
		Phone       string `json:"phone"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ID = raw.ID
	a.Phone = raw.Phone
	if a.Phone == "" {
		a.Phone, _, _ = strings.Cut(raw.ID, "@")
	}
	switch {
	case raw.DisplayName != "":
		a.DisplayName = raw.DisplayName
	case raw.Name != "":
		a.DisplayName = raw.Name
	default:
		a.DisplayName = raw.PushName
	}
	return nil
}

// Header is a custom header the gateway attaches to webhook deliveries.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Webhook is one delivery binding on a session.
type Webhook struct {
	URL           string   `json:"url"`
	Events        []string `json:"events"`
	CustomHeaders []Header `json:"customHeaders,omitempty"`
}

// HeaderValue returns the value of the named custom header, case-insensitively.
func (w Webhook) HeaderValue(name string) (string, bool) {
	for _, h := range w.CustomHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Webhook event names a tenant binding subscribes to.
const (
	EventMessage       = "message"
	EventSessionStatus = "session.status"
)

// TenantWebhook builds the binding that routes a session's events back to
// tenantID through the correlation header.
func TenantWebhook(callbackURL, header, tenantID string) Webhook {
	return Webhook{
		URL:           callbackURL,
		Events:        []string{EventMessage, EventSessionStatus},
		CustomHeaders: []Header{{Name: header, Value: tenantID}},
	}
}

// SessionConfig is the mutable configuration of a session.
type SessionConfig struct {
	Webhooks []Webhook `json:"webhooks,omitempty"`
}

// Session is a snapshot of a remote session.
type Session struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Account *Account       `json:"me,omitempty"`
	Config  *SessionConfig `json:"config,omitempty"`
}

// UnmarshalJSON normalizes the status on the way in.
func (s *Session) UnmarshalJSON(data []byte) error {
	type alias Session
	var raw struct {
		alias
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Session(raw.alias)
	s.Status = NormalizeStatus(raw.Status)
	return nil
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name   string         `json:"name"`
	Start  bool           `json:"start"`
	Config *SessionConfig `json:"config,omitempty"`
}

// SendTextRequest is the body of POST /sendText.
type SendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// File is an attachment, referenced by URL or carried inline as base64 data.
type File struct {
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SendFileRequest is the body of POST /sendImage and POST /sendFile.
type SendFileRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	File    File   `json:"file"`
	Caption string `json:"caption,omitempty"`
}

// SendResult is the part of a send response this system keeps.
type SendResult struct {
	MessageID string
}

// UnmarshalJSON extracts the message id, which gateways return either as a
// plain string or as {"_serialized": "..."}.
func (r *SendResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.ID) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.ID, &s); err == nil {
		r.MessageID = s
		return nil
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw.ID, &obj); err == nil {
		r.MessageID = obj.Serialized
	}
	return nil
}
