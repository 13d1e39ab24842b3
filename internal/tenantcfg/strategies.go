// ABOUTME: Concrete resolver strategies: ambient, tenant record, and emergency shared scan
// ABOUTME: The shared scan crosses tenant boundaries and is always logged and audited

package tenantcfg

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/wa-gateway/internal/store"
)

// Ambient returns the process-wide pair. It never performs I/O.
type Ambient struct {
	BaseURL string
	APIKey  string
}

// Name implements Strategy.
func (Ambient) Name() string { return "ambient" }

// Lookup implements Strategy.
func (a Ambient) Lookup(_ context.Context, _ string) (Config, bool, error) {
	cfg := Config{BaseURL: a.BaseURL, APIKey: a.APIKey}
	return cfg, cfg.Complete(), nil
}

// SettingsReader is the slice of the store the persisted strategies need.
type SettingsReader interface {
	GetTenantSettings(ctx context.Context, tenantID string) (*store.TenantSettings, error)
	ListTenantSettings(ctx context.Context, limit int) ([]*store.TenantSettings, error)
}

// pairFrom reads the credential pair from a record, accepting both key conventions.
func pairFrom(ts *store.TenantSettings) Config {
	return Config{
		BaseURL: ts.Get(store.KeyBaseURL, store.LegacyKeyBaseURL),
		APIKey:  ts.Get(store.KeyAPIKey, store.LegacyKeyAPIKey),
	}
}

// Tenant reads the tenant's own persisted record.
type Tenant struct {
	Store SettingsReader
}

// Name implements Strategy.
func (Tenant) Name() string { return "tenant" }

// Lookup implements Strategy.
func (t Tenant) Lookup(ctx context.Context, tenantID string) (Config, bool, error) {
	if tenantID == "" {
		return Config{}, false, nil
	}
	ts, err := t.Store.GetTenantSettings(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, err
	}
	cfg := pairFrom(ts)
	return cfg, cfg.Complete(), nil
}

// AuditWriter records emergency-tier use.
type AuditWriter interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// EmergencyShared scans the first Limit records of any tenant for a complete
// pair. It exists for tenants that were never provisioned a credential of
// their own while a shared one exists elsewhere.
type EmergencyShared struct {
	Store  SettingsReader
	Audit  AuditWriter // optional
	Limit  int
	Logger *slog.Logger
}

// Name implements Strategy.
func (EmergencyShared) Name() string { return "emergency" }

// Lookup implements Strategy.
func (e EmergencyShared) Lookup(ctx context.Context, tenantID string) (Config, bool, error) {
	limit := e.Limit
	if limit <= 0 {
		limit = 100
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	records, err := e.Store.ListTenantSettings(ctx, limit)
	if err != nil {
		return Config{}, false, err
	}

	for _, ts := range records {
		cfg := pairFrom(ts)
		if !cfg.Complete() {
			continue
		}

		logger.Warn("using emergency shared gateway config",
			"component", "tenantcfg",
			"tenant_id", tenantID,
			"source_tenant_id", ts.TenantID,
			"scanned", limit,
		)
		if e.Audit != nil {
			entry := &store.AuditEntry{
				Action:   store.AuditEmergencyConfig,
				TenantID: tenantID,
				Target:   ts.TenantID,
				Detail:   map[string]any{"base_url": cfg.BaseURL},
			}
			if err := e.Audit.AppendAuditLog(ctx, entry); err != nil {
				logger.Error("failed to audit emergency config use", "tenant_id", tenantID, "error", err)
			}
		}
		return cfg, true, nil
	}

	return Config{}, false, nil
}

// Options configures the default chain.
type Options struct {
	AmbientBaseURL string
	AmbientAPIKey  string
	// ScanLimit bounds the emergency scan. Negative drops the tier.
	ScanLimit int
}

// NewDefault builds the standard ambient -> tenant -> emergency chain over s.
func NewDefault(s store.Store, opts Options, logger *slog.Logger) *Resolver {
	strategies := []Strategy{
		Ambient{BaseURL: opts.AmbientBaseURL, APIKey: opts.AmbientAPIKey},
		Tenant{Store: s},
	}
	if opts.ScanLimit >= 0 {
		strategies = append(strategies, EmergencyShared{Store: s, Audit: s, Limit: opts.ScanLimit, Logger: logger})
	}
	return NewResolver(logger, strategies...)
}
