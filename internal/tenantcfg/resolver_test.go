// ABOUTME: Tests for the tenant configuration fallback chain
// ABOUTME: Covers tier ordering, key synonyms, emergency logging/auditing and failure modes

package tenantcfg

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/store"
)

func newTestResolver(s *store.MockStore, ambientURL, ambientKey string, logger *slog.Logger) *Resolver {
	return NewDefault(s, Options{AmbientBaseURL: ambientURL, AmbientAPIKey: ambientKey, ScanLimit: 100}, logger)
}

func TestResolve_AmbientShortCircuits(t *testing.T) {
	s := store.NewMockStore()
	s.Err = errors.New("store must not be touched")

	r := newTestResolver(s, "http://ambient:3000", "ambient-key", nil)

	cfg, err := r.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "http://ambient:3000", cfg.BaseURL)
	assert.Equal(t, "ambient-key", cfg.APIKey)
	assert.Equal(t, "ambient", cfg.Source)
	assert.Zero(t, s.Calls())
}

func TestResolve_PartialAmbientFallsThrough(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-1", store.KeyBaseURL, "http://t1:3000"))
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-1", store.KeyAPIKey, "t1-key"))

	r := newTestResolver(s, "http://ambient:3000", "", nil)

	cfg, err := r.Resolve(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant", cfg.Source)
	assert.Equal(t, "t1-key", cfg.APIKey)
}

func TestResolve_TenantKeySynonyms(t *testing.T) {
	tests := []struct {
		name    string
		urlKey  string
		keyKey  string
		wantURL string
	}{
		{"current keys", store.KeyBaseURL, store.KeyAPIKey, "http://current:3000"},
		{"legacy keys", store.LegacyKeyBaseURL, store.LegacyKeyAPIKey, "http://legacy:3000"},
		{"mixed keys", store.LegacyKeyBaseURL, store.KeyAPIKey, "http://mixed:3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMockStore()
			ctx := context.Background()
			require.NoError(t, s.SetTenantSetting(ctx, "tenant-1", tt.urlKey, tt.wantURL))
			require.NoError(t, s.SetTenantSetting(ctx, "tenant-1", tt.keyKey, "secret"))

			cfg, err := newTestResolver(s, "", "", nil).Resolve(ctx, "tenant-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, cfg.BaseURL)
			assert.Equal(t, "secret", cfg.APIKey)
			assert.Equal(t, "tenant", cfg.Source)
		})
	}
}

func TestResolve_EmergencyTierLoggedAndAudited(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	// tenant-1 has a record but no credentials; tenant-0 and tenant-2 have some.
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-1", store.KeySessionName, "ws_tenant1"))
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-0", store.LegacyKeyBaseURL, "http://shared:3000"))
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-0", store.LegacyKeyAPIKey, "shared-key"))
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-2", store.KeyBaseURL, "http://other:3000"))
	require.NoError(t, s.SetTenantSetting(ctx, "tenant-2", store.KeyAPIKey, "other-key"))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg, err := newTestResolver(s, "", "", logger).Resolve(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "emergency", cfg.Source)
	assert.Equal(t, "http://shared:3000", cfg.BaseURL, "first complete record in scan order wins")

	assert.Contains(t, buf.String(), "emergency shared gateway config")
	assert.Contains(t, buf.String(), "source_tenant_id=tenant-0")

	action := store.AuditEmergencyConfig
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-1", entries[0].TenantID)
	assert.Equal(t, "tenant-0", entries[0].Target)
}

func TestResolve_EmergencyRespectsScanLimit(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.SetTenantSetting(ctx, "first", store.KeySessionName, "ws_first"))
	require.NoError(t, s.SetTenantSetting(ctx, "second", store.KeyBaseURL, "http://x"))
	require.NoError(t, s.SetTenantSetting(ctx, "second", store.KeyAPIKey, "k"))

	r := NewDefault(s, Options{ScanLimit: 1}, nil)
	_, err := r.Resolve(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestResolve_NegativeScanLimitDisablesEmergencyTier(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.SetTenantSetting(ctx, "shared", store.KeyBaseURL, "http://shared"))
	require.NoError(t, s.SetTenantSetting(ctx, "shared", store.KeyAPIKey, "k"))

	r := NewDefault(s, Options{ScanLimit: -1}, nil)
	_, err := r.Resolve(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrConfigurationMissing)
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_Missing(t *testing.T) {
	s := store.NewMockStore()

	_, err := newTestResolver(s, "", "", nil).Resolve(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	s := store.NewMockStore()
	s.Err = errors.New("db down")

	_, err := newTestResolver(s, "", "", nil).Resolve(context.Background(), "tenant-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfigurationMissing)
	assert.Contains(t, err.Error(), "db down")
}

func TestResolve_EmptyTenantSkipsTenantTier(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.SetTenantSetting(ctx, "shared", store.KeyBaseURL, "http://shared"))
	require.NoError(t, s.SetTenantSetting(ctx, "shared", store.KeyAPIKey, "k"))

	cfg, err := newTestResolver(s, "", "", nil).Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "emergency", cfg.Source)
}

type staticStrategy struct {
	name string
	cfg  Config
}

func (s staticStrategy) Name() string { return s.name }
func (s staticStrategy) Lookup(context.Context, string) (Config, bool, error) {
	return s.cfg, true, nil
}

func TestResolver_IncompleteOkIsSkipped(t *testing.T) {
	r := NewResolver(nil,
		staticStrategy{name: "half", cfg: Config{BaseURL: "http://x"}},
		staticStrategy{name: "full", cfg: Config{BaseURL: "http://y", APIKey: "k"}},
	)

	cfg, err := r.Resolve(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Source)
}
