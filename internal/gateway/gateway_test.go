// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Shared harness wires the gateway to a fake messaging gateway and an in-memory store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/waha/wahatest"
)

const (
	testTenant  = "5c1e2d3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f"
	testSession = "ws_5c1e2d3f4a5b"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	gw    *Gateway
	fake  *wahatest.Gateway
	store *store.MockStore
	clock *clock.Fake
	srv   *httptest.Server
}

// testConfig parses a minimal configuration pointing at fake.
func testConfig(t *testing.T, fake *wahatest.Gateway) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
gateway:
  base_url: %q
  api_key: %q
webhook:
  callback_base_url: "https://hooks.example.com"
`, fake.URL(), wahatest.APIKey)
	cfg, err := config.Parse([]byte(raw), ".yaml")
	require.NoError(t, err)
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	fake := wahatest.New(t)
	cfg := testConfig(t, fake)
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewMockStore()
	fc := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	gw, err := NewWithStore(cfg, st, testLogger(), WithClock(fc))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	t.Cleanup(srv.Close)

	return &harness{gw: gw, fake: fake, store: st, clock: fc, srv: srv}
}

// do sends a request as testTenant unless headers override the tenant.
func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(devTenantHeader, testTenant)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNew_OpensSQLiteStore(t *testing.T) {
	fake := wahatest.New(t)
	cfg := testConfig(t, fake)
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RejectsBadSweepSchedule(t *testing.T) {
	fake := wahatest.New(t)
	cfg := testConfig(t, fake)
	cfg.Webhook.SweepSchedule = "every now and then"

	_, err := NewWithStore(cfg, store.NewMockStore(), testLogger())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/health", nil, devTenantHeader, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = h.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_StoreDown(t *testing.T) {
	h := newHarness(t)
	h.store.Err = assert.AnError

	resp := h.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/health", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	fake := wahatest.New(t)
	cfg := testConfig(t, fake)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Webhook.SweepSchedule = "@every 1h"

	gw, err := NewWithStore(cfg, store.NewMockStore(), testLogger())
	require.NoError(t, err)
	require.NotNil(t, gw.sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Shutdown after Run has already shut down is a no-op.
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fake := wahatest.New(t)
	cfg := testConfig(t, fake)
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw, err := NewWithStore(cfg, store.NewMockStore(), testLogger())
	require.NoError(t, err)
	assert.Error(t, gw.Run(context.Background()))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/wa")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wa", dir)

	t.Setenv("HOME", "/home/ops")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/ops", ".local", "share", "wa-gateway", "tailscale"), dir)
}
