// ABOUTME: Tests for the gateway HTTP client
// ABOUTME: Uses httptest servers to check paths, headers, decoding and error typing

package waha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret")
}

func TestClient_SendsAPIKeyAndJSON(t *testing.T) {
	var gotKey, gotType, gotPath string
	var gotBody CreateSessionRequest

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(APIKeyHeader)
		gotType = r.Header.Get("Content-Type")
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"ws_abc","status":"STARTING"}`))
	})

	s, err := c.CreateSession(context.Background(), CreateSessionRequest{
		Name:  "ws_abc",
		Start: true,
		Config: &SessionConfig{Webhooks: []Webhook{{
			URL:           "https://cb.example.com/webhooks/waha",
			Events:        []string{"message", "session.status"},
			CustomHeaders: []Header{{Name: "X-Tenant-ID", Value: "t1"}},
		}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "POST /sessions", gotPath)
	assert.True(t, gotBody.Start)
	require.Len(t, gotBody.Config.Webhooks, 1)
	v, ok := gotBody.Config.Webhooks[0].HeaderValue("x-tenant-id")
	assert.True(t, ok)
	assert.Equal(t, "t1", v)

	assert.Equal(t, StatusStarting, s.Status)
}

func TestClient_GetSession_NormalizesStatusAndAccount(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/ws_abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"ws_abc","status":"WORKING","me":{"id":"15551234567@c.us","pushName":"Shop"}}`))
	})

	s, err := c.GetSession(context.Background(), "ws_abc")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, s.Status)
	require.NotNil(t, s.Account)
	assert.Equal(t, "15551234567", s.Account.Phone)
	assert.Equal(t, "Shop", s.Account.DisplayName)
}

func TestClient_ScanQRCodeIsAwaitingPairing(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"ws_abc","status":"SCAN_QR_CODE"}`))
	})

	s, err := c.GetSession(context.Background(), "ws_abc")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPairing, s.Status)
}

func TestClient_NotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	_, err := c.GetSession(context.Background(), "ws_missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "get session", werr.Op)
	assert.Equal(t, http.StatusNotFound, werr.Status)
}

func TestClient_NotReadyCarriesState(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"Session status is not as expected","status":"SCAN_QR_CODE"}`))
	})

	_, err := c.SendText(context.Background(), SendTextRequest{Session: "s", ChatID: "1@c.us", Text: "hi"})
	state, ok := IsNotReady(err)
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingPairing, state)
	assert.True(t, IsConflict(err), "422 doubles as the create conflict signal")
}

func TestClient_422WithoutStateIsNotNotReady(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"session already exists"}`))
	})

	_, err := c.CreateSession(context.Background(), CreateSessionRequest{Name: "s"})
	_, ok := IsNotReady(err)
	assert.False(t, ok)
	assert.True(t, IsConflict(err))
}

func TestClient_NetworkErrorHasZeroStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "k").ListSessions(context.Background())
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Zero(t, werr.Status)
	assert.Error(t, werr.Unwrap())
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "k", WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := c.ListSessions(context.Background())

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.True(t, werr.Timeout())
}

func TestClient_SendResultIDShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"serialized object", `{"id":{"_serialized":"true_1@c.us_ABC"}}`, "true_1@c.us_ABC"},
		{"plain string", `{"id":"msg-1"}`, "msg-1"},
		{"missing", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			res, err := c.SendText(context.Background(), SendTextRequest{Session: "s", ChatID: "1@c.us", Text: "x"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.MessageID)
		})
	}
}

func TestClient_Paths(t *testing.T) {
	var got []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		if r.Method == http.MethodPut {
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"config":{"webhooks":[{"url":"u","events":["message"]}]}}`, string(body))
		}
		_, _ = w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	require.NoError(t, c.StartSession(ctx, "a"))
	require.NoError(t, c.RestartSession(ctx, "a"))
	require.NoError(t, c.LogoutSession(ctx, "a"))
	require.NoError(t, c.UpdateSession(ctx, "a", SessionConfig{Webhooks: []Webhook{{URL: "u", Events: []string{"message"}}}}))
	_, err := c.GetQR(ctx, "a")
	require.NoError(t, err)
	_, err = c.SendImage(ctx, SendFileRequest{Session: "a"})
	require.NoError(t, err)
	_, err = c.SendFile(ctx, SendFileRequest{Session: "a"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /sessions/a/start",
		"POST /sessions/a/restart",
		"POST /a/auth/logout",
		"PUT /sessions/a",
		"GET /a/auth/qr?format=raw",
		"POST /sendImage",
		"POST /sendFile",
	}, got)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, StatusAwaitingPairing, NormalizeStatus("scan_qr_code"))
	assert.Equal(t, StatusWorking, NormalizeStatus("WORKING"))
	assert.Equal(t, StatusNotFound, NormalizeStatus(""))
}
