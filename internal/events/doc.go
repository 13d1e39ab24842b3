// Package events routes inbound gateway webhook events to per-tenant
// subscribers such as the SSE stream.
package events
