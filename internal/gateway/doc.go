// Package gateway is the wa-gateway server: it wires the session, pairing,
// dispatch and webhook components behind one HTTP surface and owns their
// lifecycle.
//
// # Components
//
// New opens the configured SQLite store and builds, in order:
//
//   - a tenantcfg.Resolver (ambient, persisted tenant, emergency shared tiers)
//   - a session.Manager using identity.Namer for deterministic session names
//   - a webhook.Registrar and, when a sweep schedule is set, a webhook.Sweeper
//   - a pairing.Service and a dispatch.Dispatcher on top of the manager
//   - an events.Broadcaster and dedupe.Cache for inbound webhook events
//
// # HTTP API
//
// All /api routes identify the caller's tenant from a bearer JWT (sub claim)
// when auth.jwt_secret is set, or from the X-Tenant-ID header otherwise.
//
//   - GET  /api/session-status - status, account, and a pairing payload when awaiting pairing
//   - POST /api/session - {action: connect|reconnect|logout|change_number}
//   - POST /api/check-connection - status straight from the gateway
//   - POST /api/qr - drive the session to a pairing payload
//   - POST /api/messages/{text|image|file} - send a message
//   - GET|POST /api/webhook - verify or repair the webhook binding
//   - GET  /api/events - SSE stream of the tenant's inbound events
//   - GET|PUT /api/admin/tenants/{id}/config - persisted gateway credentials (admin)
//   - GET  /api/admin/audit - audit trail (admin)
//   - POST /webhooks/waha - inbound events from the messaging gateway
//   - GET  /health, /health/ready - liveness and store readiness
//
// Component errors map onto status codes in statusForError: missing gateway
// configuration is 412, an invalid tenant 400, gateway failures 502 (504 on
// timeout), unrecoverable sessions and unpaired sends 409, and an unavailable
// pairing payload 503.
//
// # SSE Streaming
//
// /api/events sends a "subscribed" event, then one event per inbound gateway
// event named by its kind:
//
//	event: connected
//	data: {"id":"...","tenant_id":"...","kind":"connected","status":"WORKING",...}
//
// A comment line is written periodically to keep proxies from closing idle streams.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// With tailscale.enabled the server listens on a tsnet node instead of
// server.http_addr; tailscale.funnel exposes it publicly so the messaging
// gateway can reach the webhook receiver.
package gateway
