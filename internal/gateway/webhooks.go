// ABOUTME: Inbound webhook receiver for events the gateway delivers for tenant sessions
// ABOUTME: Checks the tenant correlation header, drops redeliveries and publishes to subscribers

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/wa-gateway/internal/dedupe"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/identity"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/waha"
)

// inboundEvent is the envelope the gateway posts for every subscribed event.
type inboundEvent struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type webhookAck struct {
	Status  string `json:"status"` // accepted, duplicate or ignored
	EventID string `json:"event_id,omitempty"`
}

func (g *Gateway) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	header := g.config.Webhook.TenantHeader

	tenant := r.Header.Get(header)
	if tenant == "" {
		g.logger.Warn("inbound webhook without tenant header", "header", header, "remote_addr", r.RemoteAddr)
		g.sendJSONError(w, http.StatusBadRequest, "missing "+header+" header")
		return
	}
	expected, err := identity.Namer{
		Namespace:    g.config.Session.Namespace,
		PrefixLength: g.config.Session.PrefixLength,
	}.NameFor(tenant)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	var in inboundEvent
	if err := decodeBody(w, r, &in); err != nil || in.Event == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}

	ts, err := g.store.GetTenantSettings(ctx, tenant)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.writeError(w, r, err)
		return
	}
	if persisted := ts.Get(store.KeySessionName); persisted != "" {
		expected = persisted
	}
	if in.Session != "" && in.Session != expected {
		g.logger.Warn("inbound webhook session does not match tenant",
			"tenant_id", tenant,
			"session", in.Session,
			"expected", expected,
		)
		g.sendJSONError(w, http.StatusForbidden, "session does not belong to tenant")
		return
	}

	e := events.Event{
		ID:       in.ID,
		TenantID: tenant,
		Session:  in.Session,
		Payload:  in.Payload,
	}
	switch in.Event {
	case waha.EventMessage:
		e.Kind = events.KindMessage
	case waha.EventSessionStatus:
		var sp statusPayload
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &sp); err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "invalid session.status payload")
				return
			}
		}
		e.Status = waha.NormalizeStatus(sp.Status)
		e.Kind = events.KindSessionStatus
		if e.Status == waha.StatusWorking {
			e.Kind = events.KindConnected
		}
	default:
		g.logger.Debug("ignoring unsubscribed webhook event", "tenant_id", tenant, "event", in.Event)
		g.writeJSON(w, http.StatusAccepted, webhookAck{Status: "ignored", EventID: in.ID})
		return
	}

	// Only deliveries that would be published are marked, so a rejected
	// delivery can be retried under the same id.
	if in.ID != "" && g.dedupe.CheckAndMark(dedupe.Key(tenant, in.ID)) {
		g.logger.Debug("duplicate webhook delivery", "tenant_id", tenant, "event_id", in.ID)
		g.writeJSON(w, http.StatusOK, webhookAck{Status: "duplicate", EventID: in.ID})
		return
	}

	e = g.broadcaster.Publish(e)
	g.logger.Info("inbound event routed",
		"tenant_id", tenant,
		"kind", e.Kind,
		"event_id", e.ID,
		"subscribers", g.broadcaster.SubscriberCount(tenant),
	)
	g.writeJSON(w, http.StatusOK, webhookAck{Status: "accepted", EventID: e.ID})
}
