// ABOUTME: Internal HTTP API for session status, pairing, messaging and tenant administration
// ABOUTME: Maps component errors onto HTTP status codes and streams tenant events over SSE

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wa-gateway/internal/api"
	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/dispatch"
	"github.com/2389/wa-gateway/internal/identity"
	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/tenantcfg"
	"github.com/2389/wa-gateway/internal/waha"
	"github.com/2389/wa-gateway/internal/webhook"
)

// maxBodySize bounds JSON request bodies. Base64 media is the largest case.
const maxBodySize = 16 << 20

// devTenantHeader identifies the tenant when no JWT secret is configured.
const devTenantHeader = "X-Tenant-ID"

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	var authn func(http.Handler) http.Handler
	if g.verifier != nil {
		authn = auth.HTTPAuthMiddleware(g.verifier, g.logger)
	} else {
		authn = auth.HeaderTenantMiddleware(devTenantHeader, g.logger)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAdminHTTP(g.logger)(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.Handle("/api/session-status", authn(http.HandlerFunc(g.handleSessionStatus)))
	mux.Handle("/api/session", authn(http.HandlerFunc(g.handleSessionAction)))
	mux.Handle("/api/check-connection", authn(http.HandlerFunc(g.handleCheckConnection)))
	mux.Handle("/api/qr", authn(http.HandlerFunc(g.handleQR)))
	mux.Handle("/api/messages/{kind}", authn(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("/api/webhook", authn(http.HandlerFunc(g.handleWebhookBinding)))
	mux.Handle("/api/events", authn(http.HandlerFunc(g.handleEvents)))

	mux.Handle("/api/admin/tenants/{id}/config", admin(g.handleTenantConfig))
	mux.Handle("/api/admin/audit", admin(g.handleListAudit))

	mux.HandleFunc(g.config.Webhook.Path, g.handleInboundWebhook)

	return requestID(mux)
}

// requestID tags every request with an id, reusing the caller's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// tenantID returns the authenticated tenant for r.
func tenantID(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return a.TenantID
	}
	return ""
}

// statusForError maps a component error to an HTTP status.
func statusForError(err error) int {
	var werr *waha.Error
	switch {
	case errors.Is(err, tenantcfg.ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, identity.ErrInvalidTenantID),
		errors.Is(err, dispatch.ErrInvalidRecipient),
		errors.Is(err, dispatch.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionUnrecoverable),
		errors.Is(err, dispatch.ErrMustPairFirst):
		return http.StatusConflict
	case errors.Is(err, pairing.ErrPairingPayloadUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pairing.ErrUnrecognizedPayload):
		return http.StatusBadGateway
	case errors.Is(err, webhook.ErrCallbackNotConfigured):
		return http.StatusInternalServerError
	case errors.As(err, &werr):
		if werr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes it as a JSON error.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "tenant_id", tenantID(r), "status", status, "error", err)
	} else {
		g.logger.Warn("request rejected", "path", r.URL.Path, "tenant_id", tenantID(r), "status", status, "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.New("invalid JSON body")
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

// statusBody builds the status response for a session snapshot.
func statusBody(sess *waha.Session) api.SessionStatus {
	return api.SessionStatus{
		Status:  sess.Status,
		Session: sess.Name,
		Account: sess.Account,
	}
}

// currentSession returns the tenant's session. When it is not WORKING but
// another session on the same gateway is, that one is reported instead.
func (g *Gateway) currentSession(ctx context.Context, tenant string) (*waha.Session, error) {
	sess, err := g.sessions.Get(ctx, tenant)
	if err != nil || sess.Status == waha.StatusWorking {
		return sess, err
	}
	working, err := g.sessions.FindWorking(ctx, tenant)
	if err != nil {
		g.logger.Warn("working session lookup failed", "tenant_id", tenant, "error", err)
		return sess, nil
	}
	if working == nil {
		return sess, nil
	}
	g.logger.Debug("reporting working session", "tenant_id", tenant, "session", working.Name, "instead_of", sess.Name)
	return working, nil
}

// handleSessionStatus reports the tenant's session, including a pairing
// payload when the session is waiting for one.
func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	tenant := tenantID(r)
	sess, err := g.currentSession(r.Context(), tenant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	body := statusBody(sess)
	if sess.Status == waha.StatusAwaitingPairing {
		p, err := g.pairing.Fetch(r.Context(), tenant, sess.Name)
		switch {
		case errors.Is(err, pairing.ErrAlreadyConnected):
			body.Status = waha.StatusWorking
		case err != nil:
			g.logger.Debug("pairing payload not available for status", "tenant_id", tenant, "error", err)
		default:
			body.QR = &p
		}
	}
	g.writeJSON(w, http.StatusOK, body)
}

// handleCheckConnection reads the session state straight from the gateway.
func (g *Gateway) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost, http.MethodGet) {
		return
	}
	sess, err := g.currentSession(r.Context(), tenantID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, statusBody(sess))
}

// handleSessionAction runs connect, reconnect, logout or change_number.
func (g *Gateway) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req api.SessionActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Action.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	ctx := r.Context()
	tenant := tenantID(r)
	if err := g.runAction(ctx, tenant, req.Action); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("session action completed", "tenant_id", tenant, "action", req.Action)

	sess, err := g.sessions.Get(ctx, tenant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, statusBody(sess))
}

func (g *Gateway) runAction(ctx context.Context, tenant string, action api.Action) error {
	if action == api.ActionConnect {
		sess, err := g.sessions.Create(ctx, tenant)
		if err != nil {
			return err
		}
		if err := g.registrar.Ensure(ctx, tenant, sess.Name); err != nil {
			if !errors.Is(err, webhook.ErrCallbackNotConfigured) {
				return err
			}
			g.logger.Warn("session connected without webhook binding", "tenant_id", tenant, "session", sess.Name)
		}
		return nil
	}

	sess, err := g.sessions.Get(ctx, tenant)
	if err != nil {
		return err
	}
	switch action {
	case api.ActionReconnect:
		if sess.Status == waha.StatusNotFound {
			_, err := g.sessions.Create(ctx, tenant)
			return err
		}
		return g.sessions.Restart(ctx, tenant, sess.Name)
	case api.ActionLogout:
		return g.sessions.Logout(ctx, tenant, sess.Name)
	case api.ActionChangeNumber:
		// Unpair, then bring the session back up so a new device can pair.
		if err := g.sessions.Logout(ctx, tenant, sess.Name); err != nil {
			return err
		}
		if sess.Status == waha.StatusNotFound {
			_, err := g.sessions.Create(ctx, tenant)
			return err
		}
		return g.sessions.Start(ctx, tenant, sess.Name)
	}
	return nil
}

// handleQR drives the session to a pairing payload.
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)
	p, err := g.pairing.Pair(ctx, tenant)
	if errors.Is(err, pairing.ErrAlreadyConnected) {
		g.writeJSON(w, http.StatusOK, api.SessionStatus{Status: waha.StatusWorking, AlreadyConnected: true})
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	name, err := g.sessions.SessionName(ctx, tenant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, api.SessionStatus{
		Status:  waha.StatusAwaitingPairing,
		Session: name,
		QR:      &p,
	})
}

// handleSendMessage sends text, image or file messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)

	var (
		res dispatch.Result
		err error
	)
	switch kind := r.PathValue("kind"); kind {
	case "text":
		var req api.SendTextRequest
		if err := decodeBody(w, r, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err = g.dispatcher.SendText(ctx, tenant, req.To, req.Text)
	case "image", "file":
		var req api.SendMediaRequest
		if err := decodeBody(w, r, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		m := dispatch.Media{
			URL:      req.URL,
			Data:     req.Data,
			Mimetype: req.Mimetype,
			Filename: req.Filename,
			Caption:  req.Caption,
		}
		if kind == "image" {
			res, err = g.dispatcher.SendImage(ctx, tenant, req.To, m)
		} else {
			res, err = g.dispatcher.SendFile(ctx, tenant, req.To, m)
		}
	default:
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown message kind %q", kind))
		return
	}

	if err != nil {
		status := statusForError(err)
		g.logger.Warn("message not sent", "tenant_id", tenant, "status", status, "error", err)
		g.writeJSON(w, status, res)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleWebhookBinding verifies (GET) or repairs (POST) the tenant's webhook binding.
func (g *Gateway) handleWebhookBinding(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)
	name, err := g.sessions.SessionName(ctx, tenant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodPost {
		if err := g.registrar.Ensure(ctx, tenant, name); err != nil {
			g.writeError(w, r, err)
			return
		}
	}
	v, err := g.registrar.Verify(ctx, tenant, name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, v)
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = io.WriteString(w, formatSSEEvent(event, string(dataJSON)))
}

// handleEvents streams the caller's tenant events until the client goes away
// or the gateway shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tenant := tenantID(r)
	ch, subID := g.broadcaster.Subscribe(r.Context(), tenant)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"subscription_id": subID})
	flusher.Flush()

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(e.Kind), e)
			flusher.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleTenantConfig reads (GET) or writes (PUT) a tenant's persisted
// gateway credentials. Empty values clear the stored key.
func (g *Gateway) handleTenantConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	ctx := r.Context()
	target := r.PathValue("id")
	name, err := identity.Namer{
		Namespace:    g.config.Session.Namespace,
		PrefixLength: g.config.Session.PrefixLength,
	}.NameFor(target)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodPut {
		var req api.TenantConfigRequest
		if err := decodeBody(w, r, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := g.setTenantConfig(ctx, target, req); err != nil {
			g.writeError(w, r, err)
			return
		}
	}

	ts, err := g.store.GetTenantSettings(ctx, target)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.writeError(w, r, err)
		return
	}
	if persisted := ts.Get(store.KeySessionName); persisted != "" {
		name = persisted
	}
	g.writeJSON(w, http.StatusOK, api.TenantConfigResponse{
		TenantID:    target,
		BaseURL:     ts.Get(store.KeyBaseURL, store.LegacyKeyBaseURL),
		APIKey:      api.MaskKey(ts.Get(store.KeyAPIKey, store.LegacyKeyAPIKey)),
		SessionName: name,
	})
}

func (g *Gateway) setTenantConfig(ctx context.Context, tenant string, req api.TenantConfigRequest) error {
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	req.APIKey = strings.TrimSpace(req.APIKey)

	for key, value := range map[string]string{store.KeyBaseURL: req.BaseURL, store.KeyAPIKey: req.APIKey} {
		var err error
		if value == "" {
			err = g.store.DeleteTenantSetting(ctx, tenant, key)
			if errors.Is(err, store.ErrNotFound) {
				err = nil
			}
		} else {
			err = g.store.SetTenantSetting(ctx, tenant, key, value)
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
	}

	if err := g.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:    auth.ActorFromContext(ctx),
		Action:   store.AuditSetTenantConfig,
		TenantID: tenant,
		Target:   req.BaseURL,
		Detail:   map[string]any{"api_key_set": req.APIKey != ""},
	}); err != nil {
		g.logger.Error("failed to audit tenant config change", "tenant_id", tenant, "error", err)
	}
	g.logger.Info("tenant gateway config updated", "tenant_id", tenant, "base_url", req.BaseURL)
	return nil
}

// handleListAudit lists audit entries, filtered by tenant_id, action, since
// (RFC 3339) and limit query parameters.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	var f store.AuditFilter
	if v := q.Get("tenant_id"); v != "" {
		f.TenantID = &v
	}
	if v := q.Get("action"); v != "" {
		a := store.AuditAction(v)
		f.Action = &a
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), f)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]api.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.AuditEntry{
			ID:        e.ID,
			Actor:     e.Actor,
			Action:    string(e.Action),
			TenantID:  e.TenantID,
			Target:    e.Target,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
