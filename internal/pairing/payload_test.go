// ABOUTME: Tests for pairing payload shape matching and normalization
// ABOUTME: Covers both known shapes, degenerate payloads and unknown shapes

package pairing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	longData := strings.Repeat("iVBORw0KGgo", 4)

	tests := []struct {
		name    string
		body    string
		want    Payload
		wantErr error
	}{
		{
			name: "opaque value",
			body: `{"value":"2@abcdefghijklmnopqrstuvwxyz0123456789"}`,
			want: Payload{Kind: KindOpaque, Value: "2@abcdefghijklmnopqrstuvwxyz0123456789"},
		},
		{
			name: "raster image",
			body: `{"mimetype":"image/png","data":"` + longData + `"}`,
			want: Payload{Kind: KindDataURI, Value: "data:image/png;base64," + longData},
		},
		{
			name: "image without mimetype defaults to png",
			body: `{"mimetype":"","data":"` + longData + `"}`,
			want: Payload{Kind: KindDataURI, Value: "data:image/png;base64," + longData},
		},
		{
			name:    "short opaque",
			body:    `{"value":"2@short"}`,
			wantErr: ErrPairingPayloadUnavailable,
		},
		{
			name:    "empty opaque",
			body:    `{"value":""}`,
			wantErr: ErrPairingPayloadUnavailable,
		},
		{
			name:    "short image data",
			body:    `{"mimetype":"image/png","data":"abc"}`,
			wantErr: ErrPairingPayloadUnavailable,
		},
		{
			name:    "unknown keys",
			body:    `{"qrcode":"2@abcdefghijklmnopqrstuvwxyz"}`,
			wantErr: ErrUnrecognizedPayload,
		},
		{
			name:    "value of wrong type",
			body:    `{"value":12345678901234567890123}`,
			wantErr: ErrUnrecognizedPayload,
		},
		{
			name:    "not json",
			body:    `<html>`,
			wantErr: ErrUnrecognizedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got.Value, "no payload may escape on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePayload_NeverShorterThanMinimum(t *testing.T) {
	for n := 0; n < 40; n++ {
		body := `{"value":"` + strings.Repeat("x", n) + `"}`
		p, err := ParsePayload([]byte(body))
		if err != nil {
			assert.ErrorIs(t, err, ErrPairingPayloadUnavailable)
			continue
		}
		assert.GreaterOrEqual(t, len(p.Value), MinPayloadLength)
	}
}
