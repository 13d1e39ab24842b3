// ABOUTME: Tests for the Session Manager against a fake gateway
// ABOUTME: Covers idempotent create, FAILED recovery, tolerated statuses and findWorking preference

package session

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/tenantcfg"
	"github.com/2389/wa-gateway/internal/waha"
	"github.com/2389/wa-gateway/internal/waha/wahatest"
)

const (
	testTenant  = "3f2a9c1e-7b44-4c1d-9e0a-5b6c7d8e9f00"
	testSession = "ws_3f2a9c1e7b44"
	testCB      = "https://cb.example.com/webhooks/waha"
)

type fixture struct {
	gw    *wahatest.Gateway
	store *store.MockStore
	clock *clock.Fake
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := wahatest.New(t)
	s := store.NewMockStore()
	resolver := tenantcfg.NewDefault(s, tenantcfg.Options{AmbientBaseURL: gw.URL(), AmbientAPIKey: wahatest.APIKey}, nil)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(resolver, s, Options{CallbackURL: testCB, Clock: fc}, nil)
	return &fixture{gw: gw, store: s, clock: fc, m: m}
}

func (f *fixture) auditCount(t *testing.T, action store.AuditAction) int {
	t.Helper()
	entries, err := f.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	return len(entries)
}

func TestCreate_NewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.Create(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, testSession, s.Name)
	assert.Equal(t, waha.StatusStarting, s.Status)

	cfg := f.gw.Config(testSession)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, testCB, cfg.Webhooks[0].URL)
	assert.ElementsMatch(t, []string{"message", "session.status"}, cfg.Webhooks[0].Events)
	tenant, ok := cfg.Webhooks[0].HeaderValue("X-Tenant-ID")
	require.True(t, ok)
	assert.Equal(t, testTenant, tenant)

	ts, err := f.store.GetTenantSettings(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, testSession, ts.Values[store.KeySessionName])
	assert.Equal(t, 1, f.auditCount(t, store.AuditCreateSession))
}

func TestCreate_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.m.Create(ctx, testTenant)
	require.NoError(t, err)
	second, err := f.m.Create(ctx, testTenant)
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, 0, f.gw.Count("POST /sessions/"+testSession+"/restart"))
	assert.Equal(t, 1, f.auditCount(t, store.AuditCreateSession), "second call must not create again")

	name, err := f.m.SessionName(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, testSession, name)
}

func TestCreate_RestartsFailedSession(t *testing.T) {
	f := newFixture(t)
	f.gw.AddSession(testSession, waha.StatusFailed)

	s, err := f.m.Create(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, waha.StatusAwaitingPairing, s.Status)
	assert.Equal(t, 1, f.gw.Count("POST /sessions/"+testSession+"/restart"))
	assert.Equal(t, 1, f.auditCount(t, store.AuditRestartSession))
}

func TestCreate_RestartsStoppedSession(t *testing.T) {
	f := newFixture(t)
	f.gw.AddSession(testSession, waha.StatusStopped)
	f.gw.OnRestart = []waha.Status{waha.StatusWorking}

	s, err := f.m.Create(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, waha.StatusWorking, s.Status)
}

func TestCreate_StuckFailedIsUnrecoverable(t *testing.T) {
	f := newFixture(t)
	f.gw.AddSession(testSession, waha.StatusFailed)
	f.gw.OnRestart = []waha.Status{waha.StatusFailed}

	_, err := f.m.Create(context.Background(), testTenant)
	require.ErrorIs(t, err, ErrSessionUnrecoverable)
	assert.Equal(t, 1, f.gw.Count("POST /sessions/"+testSession+"/restart"), "exactly one restart")
	assert.Len(t, f.clock.Slept(), 15, "wait budget is bounded")
}

func TestCreate_ConfigurationMissing(t *testing.T) {
	s := store.NewMockStore()
	m := NewManager(tenantcfg.NewDefault(s, tenantcfg.Options{}, nil), s, Options{}, nil)

	_, err := m.Create(context.Background(), testTenant)
	assert.ErrorIs(t, err, tenantcfg.ErrConfigurationMissing)
}

func TestCreate_GatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	f.gw.Server.Close()

	_, err := f.m.Create(context.Background(), testTenant)
	var werr *waha.Error
	require.True(t, errors.As(err, &werr))
	assert.Zero(t, werr.Status)
}

func TestGet_NotFoundIsAStatus(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.Get(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, waha.StatusNotFound, s.Status)
	assert.Equal(t, testSession, s.Name)
}

func TestStart_AlreadyStartedIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.gw.AddSession(testSession, waha.StatusWorking)

	require.NoError(t, f.m.Start(context.Background(), testTenant, testSession))
	assert.Equal(t, waha.StatusWorking, f.gw.Status(testSession))
}

func TestStart_MissingSessionFails(t *testing.T) {
	f := newFixture(t)

	err := f.m.Start(context.Background(), testTenant, testSession)
	assert.True(t, waha.IsNotFound(err))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Logout(ctx, testTenant, testSession), "missing session counts as logged out")

	f.gw.AddSession(testSession, waha.StatusWorking)
	require.NoError(t, f.m.Logout(ctx, testTenant, testSession))
	assert.Equal(t, waha.StatusAwaitingPairing, f.gw.Status(testSession))
	assert.Equal(t, 2, f.auditCount(t, store.AuditLogoutSession))
}

func TestFindWorking(t *testing.T) {
	tests := []struct {
		name     string
		sessions map[string]waha.Status
		want     string
	}{
		{
			name:     "prefers default",
			sessions: map[string]waha.Status{"alpha": waha.StatusWorking, "default": waha.StatusWorking},
			want:     "default",
		},
		{
			name:     "first working",
			sessions: map[string]waha.Status{"alpha": waha.StatusFailed, "beta": waha.StatusWorking, "default": waha.StatusStopped},
			want:     "beta",
		},
		{
			name:     "none working",
			sessions: map[string]waha.Status{"alpha": waha.StatusStarting},
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for name, st := range tt.sessions {
				f.gw.AddSession(name, st)
			}

			s, err := f.m.FindWorking(context.Background(), testTenant)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.want, s.Name)
			require.NotNil(t, s.Account)
			assert.NotEmpty(t, s.Account.Phone)
		})
	}
}

func TestSessionName_PersistedWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetTenantSetting(ctx, testTenant, store.KeySessionName, "ws_legacyname"))

	name, err := f.m.SessionName(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "ws_legacyname", name)

	_, err = f.m.SessionName(ctx, "")
	assert.Error(t, err)
}

func TestLock_HonoursContext(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.m.lock(context.Background(), testTenant)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = f.m.Start(ctx, testTenant, testSession)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.gw.Count(http.MethodPost), "nothing reached the gateway")
}

func TestLock_OtherTenantsNotBlocked(t *testing.T) {
	f := newFixture(t)
	f.gw.AddSession("other", waha.StatusStopped)
	unlock, err := f.m.lock(context.Background(), testTenant)
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, f.m.Start(context.Background(), "another-tenant", "other"))
}
