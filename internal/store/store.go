// ABOUTME: Store interface and data types for wa-gateway persistence
// ABOUTME: Defines tenant settings records, well-known setting keys and audit types

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Well-known tenant setting keys. Two historical naming conventions exist for
// the gateway credentials; readers must treat each pair as synonyms.
const (
	KeyBaseURL       = "waha_base_url"
	KeyAPIKey        = "waha_api_key"
	LegacyKeyBaseURL = "wahaUrl"
	LegacyKeyAPIKey  = "wahaApiKey"
	KeySessionName   = "session_name"
)

// TenantSettings is the per-tenant persisted record: a flat key/value map.
type TenantSettings struct {
	TenantID  string
	Values    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Get returns the first non-empty value among keys.
func (t *TenantSettings) Get(keys ...string) string {
	if t == nil {
		return ""
	}
	for _, k := range keys {
		if v := t.Values[k]; v != "" {
			return v
		}
	}
	return ""
}

// Store defines the interface for tenant settings and audit persistence
type Store interface {
	// Tenant settings
	GetTenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error)
	// ListTenantSettings returns up to limit records in creation order.
	ListTenantSettings(ctx context.Context, limit int) ([]*TenantSettings, error)
	// ListTenantsWithSetting returns tenantID -> value for every tenant with a non-empty key.
	ListTenantsWithSetting(ctx context.Context, key string) (map[string]string, error)
	// SetTenantSetting upserts a single key, creating the record if needed.
	SetTenantSetting(ctx context.Context, tenantID, key, value string) error
	DeleteTenantSetting(ctx context.Context, tenantID, key string) error

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
