// ABOUTME: Webhook Registrar binding a tenant's session to this system's callback URL
// ABOUTME: Ensure writes the binding idempotently; Verify reads it back and compares the tenant header

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/waha"
)

// ErrCallbackNotConfigured means the callback base URL is missing from the
// deployment configuration.
var ErrCallbackNotConfigured = errors.New("webhook callback url not configured")

// ClientProvider hands out a gateway client for a tenant.
type ClientProvider interface {
	Client(ctx context.Context, tenantID string) (*waha.Client, error)
}

// AuditWriter records registrations.
type AuditWriter interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Verification is the result of reading a session's binding back.
type Verification struct {
	IsConfigured   bool   `json:"is_configured"`
	IsCorrect      bool   `json:"is_correct"`
	ExpectedTenant string `json:"expected_tenant"`
	ActualTenant   string `json:"actual_tenant,omitempty"`
	URL            string `json:"url"`
}

// Registrar manages tenant webhook bindings.
type Registrar struct {
	clients     ClientProvider
	audit       AuditWriter
	callbackURL string
	header      string
	logger      *slog.Logger
}

// NewRegistrar creates a Registrar. An empty callbackURL is accepted here so
// the server can still start, but every call then fails with
// ErrCallbackNotConfigured.
func NewRegistrar(clients ClientProvider, audit AuditWriter, callbackURL, header string, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if header == "" {
		header = "X-Tenant-ID"
	}
	r := &Registrar{
		clients:     clients,
		audit:       audit,
		callbackURL: callbackURL,
		header:      header,
		logger:      logger.With("component", "webhook"),
	}
	if callbackURL == "" {
		r.logger.Error("webhook callback url not configured; registrations will fail")
	}
	return r
}

// CallbackURL returns the URL bindings point at.
func (r *Registrar) CallbackURL() string { return r.callbackURL }

// Ensure sets the session's webhook configuration to the tenant binding.
func (r *Registrar) Ensure(ctx context.Context, tenantID, sessionName string) error {
	if r.callbackURL == "" {
		return ErrCallbackNotConfigured
	}
	c, err := r.clients.Client(ctx, tenantID)
	if err != nil {
		return err
	}

	cfg := waha.SessionConfig{Webhooks: []waha.Webhook{waha.TenantWebhook(r.callbackURL, r.header, tenantID)}}
	if err := c.UpdateSession(ctx, sessionName, cfg); err != nil {
		return fmt.Errorf("registering webhook for %s: %w", sessionName, err)
	}

	r.logger.Info("webhook registered", "tenant_id", tenantID, "session", sessionName)
	if r.audit != nil {
		entry := &store.AuditEntry{
			Actor:    auth.ActorFromContext(ctx),
			Action:   store.AuditRegisterWebhook,
			TenantID: tenantID,
			Target:   sessionName,
			Detail:   map[string]any{"url": r.callbackURL},
		}
		if err := r.audit.AppendAuditLog(ctx, entry); err != nil {
			r.logger.Error("failed to audit webhook registration", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// Verify reports whether the session delivers to this system's callback with
// the tenant's correlation header. A missing session reports not configured.
func (r *Registrar) Verify(ctx context.Context, tenantID, sessionName string) (Verification, error) {
	v := Verification{ExpectedTenant: tenantID, URL: r.callbackURL}
	if r.callbackURL == "" {
		return v, ErrCallbackNotConfigured
	}
	c, err := r.clients.Client(ctx, tenantID)
	if err != nil {
		return v, err
	}

	s, err := c.GetSession(ctx, sessionName)
	if waha.IsNotFound(err) {
		return v, nil
	}
	if err != nil {
		return v, err
	}
	if s.Config == nil {
		return v, nil
	}

	for _, wh := range s.Config.Webhooks {
		if wh.URL != r.callbackURL {
			continue
		}
		v.IsConfigured = true
		v.ActualTenant, _ = wh.HeaderValue(r.header)
		v.IsCorrect = v.ActualTenant == tenantID && subscribes(wh, waha.EventMessage, waha.EventSessionStatus)
		if v.IsCorrect {
			break
		}
	}
	return v, nil
}

func subscribes(wh waha.Webhook, events ...string) bool {
	for _, want := range events {
		found := false
		for _, e := range wh.Events {
			if e == want || e == "*" {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
