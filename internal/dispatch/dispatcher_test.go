// ABOUTME: Scenario tests for message dispatch against a fake gateway
// ABOUTME: Covers fail-fast for unpaired sessions and the single restart-and-retry

package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/tenantcfg"
	"github.com/2389/wa-gateway/internal/waha"
	"github.com/2389/wa-gateway/internal/waha/wahatest"
)

const (
	testTenant  = "5c1e2d3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f"
	testSession = "ws_5c1e2d3f4a5b"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *wahatest.Gateway, *clock.Fake) {
	t.Helper()
	gw := wahatest.New(t)
	s := store.NewMockStore()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resolver := tenantcfg.NewDefault(s, tenantcfg.Options{AmbientBaseURL: gw.URL(), AmbientAPIKey: wahatest.APIKey}, nil)
	m := session.NewManager(resolver, s, session.Options{Clock: fc}, nil)
	return NewDispatcher(m, Options{Clock: fc, SettleDelay: 2 * time.Second}, nil), gw, fc
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "15551234567", want: "15551234567@c.us"},
		{in: "+1 (555) 123-4567", want: "15551234567@c.us"},
		{in: "15551234567@c.us", want: "15551234567@c.us"},
		{in: "120363025246125486@g.us", want: "120363025246125486@g.us"},
		{in: "  ", wantErr: true},
		{in: "+--", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeRecipient(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendText_Working(t *testing.T) {
	d, gw, fc := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusWorking)

	res, err := d.SendText(context.Background(), testTenant, "+1 555 123 4567", "Your car is ready")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.NotEmpty(t, res.MessageID)
	assert.Empty(t, res.Error)
	assert.Empty(t, fc.Slept())

	sent := gw.Sent()
	require.Len(t, sent, 1)
	var body waha.SendTextRequest
	require.NoError(t, json.Unmarshal(sent[0], &body))
	assert.Equal(t, testSession, body.Session)
	assert.Equal(t, "15551234567@c.us", body.ChatID)
	assert.Equal(t, "Your car is ready", body.Text)
}

// Scenario C: an unpaired session fails immediately.
func TestSendText_AwaitingPairingFailsFast(t *testing.T) {
	d, gw, fc := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusScanQRCode)

	res, err := d.SendText(context.Background(), testTenant, "15551234567", "hi")
	require.ErrorIs(t, err, ErrMustPairFirst)
	assert.False(t, res.Sent)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, gw.Count("POST /sessions/"+testSession+"/restart"))
	assert.Equal(t, 1, gw.Count("POST /sendText"))
	assert.Empty(t, fc.Slept())
}

// Scenario D: one restart then success.
func TestSendText_NotReadyRestartsOnce(t *testing.T) {
	d, gw, fc := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusStopped)
	gw.OnRestart = []waha.Status{waha.StatusWorking}

	res, err := d.SendText(context.Background(), testTenant, "15551234567", "hi")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, 1, gw.Count("POST /sessions/"+testSession+"/restart"))
	assert.Equal(t, 2, gw.Count("POST /sendText"))
	assert.Equal(t, []time.Duration{2 * time.Second}, fc.Slept())
}

// Scenario D: a second failure is surfaced without another retry.
func TestSendText_SecondFailureSurfaces(t *testing.T) {
	d, gw, _ := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusFailed)
	gw.OnRestart = []waha.Status{waha.StatusFailed}

	res, err := d.SendText(context.Background(), testTenant, "15551234567", "hi")
	require.Error(t, err)
	state, notReady := waha.IsNotReady(err)
	assert.True(t, notReady)
	assert.Equal(t, waha.StatusFailed, state)
	assert.False(t, res.Sent)
	assert.Equal(t, 1, gw.Count("POST /sessions/"+testSession+"/restart"))
	assert.Equal(t, 2, gw.Count("POST /sendText"))
}

func TestSendText_RestartLandsInPairing(t *testing.T) {
	d, gw, _ := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusStopped)
	gw.OnRestart = []waha.Status{waha.StatusScanQRCode}

	_, err := d.SendText(context.Background(), testTenant, "15551234567", "hi")
	assert.ErrorIs(t, err, ErrMustPairFirst)
	assert.Equal(t, 1, gw.Count("POST /sessions/"+testSession+"/restart"))
}

func TestSendText_MissingSessionIsNotRetried(t *testing.T) {
	d, gw, _ := newTestDispatcher(t)

	_, err := d.SendText(context.Background(), testTenant, "15551234567", "hi")
	assert.True(t, waha.IsNotFound(err))
	assert.Zero(t, gw.Count("POST /sessions/"))
}

func TestSendImageAndFile(t *testing.T) {
	d, gw, _ := newTestDispatcher(t)
	gw.AddSession(testSession, waha.StatusWorking)
	ctx := context.Background()

	res, err := d.SendImage(ctx, testTenant, "15551234567", Media{URL: "https://img.example.com/invoice.png", Mimetype: "image/png", Caption: "Invoice"})
	require.NoError(t, err)
	assert.True(t, res.Sent)

	res, err = d.SendFile(ctx, testTenant, "15551234567", Media{Data: "JVBERi0xLjQK", Mimetype: "application/pdf", Filename: "invoice.pdf"})
	require.NoError(t, err)
	assert.True(t, res.Sent)

	sent := gw.Sent()
	require.Len(t, sent, 2)
	var file waha.SendFileRequest
	require.NoError(t, json.Unmarshal(sent[1], &file))
	assert.Equal(t, "invoice.pdf", file.File.Filename)
	assert.Equal(t, 1, gw.Count("POST /sendImage"))
	assert.Equal(t, 1, gw.Count("POST /sendFile"))

	_, err = d.SendImage(ctx, testTenant, "15551234567", Media{})
	assert.Error(t, err)
}
