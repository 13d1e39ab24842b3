// ABOUTME: Terminal and PNG rendering of pairing payloads plus the watch screen
// ABOUTME: Opaque payloads are encoded as QR codes; data URIs are decoded to image files

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/reconcile"
)

const pngSize = 256

var errPrerendered = errors.New("pairing code is a pre-rendered image; save it with 'wa-admin qr --png FILE'")

// decodeDataURI splits data:<mimetype>;base64,<data>.
func decodeDataURI(uri string) (mimetype string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mimetype, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URI is not base64 encoded")
	}
	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decoding data URI: %w", err)
	}
	return mimetype, data, nil
}

// renderPayload draws an opaque payload as a QR code in the terminal.
func renderPayload(w io.Writer, p pairing.Payload) error {
	if p.Kind == pairing.KindDataURI {
		return errPrerendered
	}
	q, err := qrcode.New(p.Value, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encoding pairing code: %w", err)
	}
	_, err = fmt.Fprint(w, q.ToSmallString(false))
	return err
}

// writePayloadPNG writes the payload as an image file. Opaque payloads are
// encoded; data URIs are written as-is.
func writePayloadPNG(p pairing.Payload, path string) error {
	if p.Kind != pairing.KindDataURI {
		if err := qrcode.WriteFile(p.Value, qrcode.Medium, pngSize, path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		return nil
	}
	_, data, err := decodeDataURI(p.Value)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// watchRenderer prints loop state changes. It is only called from the loop
// goroutine.
type watchRenderer struct {
	out       io.Writer
	now       func() time.Time
	lastLine  string
	lastValue string
}

func (r *watchRenderer) render(s reconcile.State) {
	if line := describeState(s, r.now()); line != r.lastLine {
		fmt.Fprintln(r.out, line)
		r.lastLine = line
	}

	if s.Payload == nil || s.Phase != reconcile.PhasePending {
		r.lastValue = ""
		return
	}
	if s.Payload.Value == r.lastValue {
		return
	}
	r.lastValue = s.Payload.Value

	fmt.Fprintln(r.out)
	if err := renderPayload(r.out, *s.Payload); err != nil {
		fmt.Fprintf(r.out, "  %v\n", err)
	}
}

// describeState is the one-line status shown while watching.
func describeState(s reconcile.State, now time.Time) string {
	prefix := color.HiBlackString(now.Format("15:04:05")) + " "
	switch s.Phase {
	case reconcile.PhaseLoading:
		return prefix + "loading session status"
	case reconcile.PhaseConnected:
		line := prefix + color.GreenString("connected")
		if s.Account != nil {
			line += " as " + describeAccount(*s.Account)
		}
		return line
	case reconcile.PhaseError:
		msg := "unknown error"
		if s.Err != nil {
			msg = s.Err.Error()
		}
		return prefix + color.RedString("error: ") + msg + " (press r to retry)"
	}

	line := prefix + color.YellowString("pending")
	switch s.SubPhase {
	case reconcile.SubPhaseWaitingForPayload:
		line += ": waiting for a pairing code"
	case reconcile.SubPhaseHasPayload:
		line += ": scan the code below"
	}
	if s.Refresh != nil {
		line += fmt.Sprintf(" (next check in %ds)", int(s.Refresh.Countdown(now).Round(time.Second).Seconds()))
	}
	return line
}
