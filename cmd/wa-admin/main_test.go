// ABOUTME: Tests for wa-admin flag parsing and pairing code rendering
// ABOUTME: PNG output is checked by file signature; terminal output by shape

package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/reconcile"
	"github.com/2389/wa-gateway/internal/waha"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func noColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseFlags(t *testing.T) {
	flags, pos, err := parseFlags(
		[]string{"set", "acme", "--url", "http://waha:3000", "--key=secret", "--dry"},
		[]string{"url", "key"}, "dry")
	require.NoError(t, err)
	assert.Equal(t, []string{"set", "acme"}, pos)
	assert.Equal(t, "http://waha:3000", flags["url"])
	assert.Equal(t, "secret", flags["key"])
	assert.Equal(t, "true", flags["dry"])

	_, _, err = parseFlags([]string{"--url"}, []string{"url"})
	assert.Error(t, err)

	_, _, err = parseFlags([]string{"--bogus", "x"}, []string{"url"})
	assert.Error(t, err)
}

func TestDecodeDataURI(t *testing.T) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("pixels"))
	mimetype, data, err := decodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimetype)
	assert.Equal(t, []byte("pixels"), data)

	for _, bad := range []string{"image/png;base64,AAAA", "data:image/png;base64", "data:image/png,AAAA", "data:image/png;base64,***"} {
		_, _, err := decodeDataURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestRenderPayload_Opaque(t *testing.T) {
	var buf bytes.Buffer
	err := renderPayload(&buf, pairing.Payload{Kind: pairing.KindOpaque, Value: "2@abcdefghijklmnopqrstuvwxyz0123456789"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Greater(t, len(lines), 10)
}

func TestRenderPayload_DataURI(t *testing.T) {
	var buf bytes.Buffer
	err := renderPayload(&buf, pairing.Payload{Kind: pairing.KindDataURI, Value: "data:image/png;base64,AAAA"})
	assert.True(t, errors.Is(err, errPrerendered))
	assert.Empty(t, buf.String())
}

func TestWritePayloadPNG(t *testing.T) {
	dir := t.TempDir()

	opaque := filepath.Join(dir, "opaque.png")
	require.NoError(t, writePayloadPNG(pairing.Payload{Kind: pairing.KindOpaque, Value: "2@abcdefghijklmnopqrstuvwxyz"}, opaque))
	data, err := os.ReadFile(opaque)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngSignature))

	image := append(append([]byte{}, pngSignature...), []byte("rest")...)
	uri := filepath.Join(dir, "uri.png")
	require.NoError(t, writePayloadPNG(pairing.Payload{
		Kind:  pairing.KindDataURI,
		Value: "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
	}, uri))
	data, err = os.ReadFile(uri)
	require.NoError(t, err)
	assert.Equal(t, image, data)
}

func TestDescribeState(t *testing.T) {
	noColor(t)
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, "09:30:00 loading session status", describeState(reconcile.State{Phase: reconcile.PhaseLoading}, now))
	assert.Equal(t, "09:30:00 pending: scan the code below",
		describeState(reconcile.State{Phase: reconcile.PhasePending, SubPhase: reconcile.SubPhaseHasPayload}, now))
	assert.Equal(t, "09:30:00 connected as 15551234567@c.us +15551234567",
		describeState(reconcile.State{
			Phase:   reconcile.PhaseConnected,
			Account: &waha.Account{ID: "15551234567@c.us", Phone: "15551234567"},
		}, now))
	assert.Contains(t,
		describeState(reconcile.State{Phase: reconcile.PhaseError, Err: errors.New("gateway down")}, now),
		"error: gateway down")

	withPrompt := reconcile.State{
		Phase:    reconcile.PhasePending,
		SubPhase: reconcile.SubPhaseWaitingForPayload,
		Refresh:  &reconcile.RefreshPrompt{Since: now, NextPollAt: now.Add(5 * time.Second)},
	}
	assert.Equal(t, "09:30:00 pending: waiting for a pairing code (next check in 5s)", describeState(withPrompt, now))
}

func TestWatchRenderer_DrawsEachNewPayloadOnce(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	r := &watchRenderer{out: &buf, now: func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }}

	state := reconcile.State{
		Phase:    reconcile.PhasePending,
		SubPhase: reconcile.SubPhaseHasPayload,
		Payload:  &pairing.Payload{Kind: pairing.KindOpaque, Value: "2@first-payload-value-xxxxxxxx"},
	}
	r.render(state)
	first := buf.Len()
	r.render(state)
	assert.Equal(t, first, buf.Len())

	state.Payload = &pairing.Payload{Kind: pairing.KindOpaque, Value: "2@second-payload-value-xxxxxxx"}
	r.render(state)
	assert.Greater(t, buf.Len(), first)
}
