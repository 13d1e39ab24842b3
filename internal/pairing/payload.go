// ABOUTME: Pairing payload tagged union and the ordered shape matchers that produce it
// ABOUTME: Opaque strings pass through; {mimetype, data} images become data URIs

package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MinPayloadLength is the shortest payload content ever considered valid.
const MinPayloadLength = 20

// ErrUnrecognizedPayload is returned for a response matching no known shape.
var ErrUnrecognizedPayload = errors.New("unrecognized pairing payload shape")

// Kind tags a Payload.
type Kind string

const (
	// KindOpaque is a string the client renders as a QR code itself.
	KindOpaque Kind = "opaque"
	// KindDataURI is a pre-rendered image as data:<mimetype>;base64,<data>.
	KindDataURI Kind = "data_uri"
)

// Payload is a normalized pairing payload.
type Payload struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// matcher inspects a decoded response. ok=false means the shape does not apply.
type matcher struct {
	name  string
	match func(fields map[string]json.RawMessage) (p Payload, content string, ok bool)
}

var matchers = []matcher{
	{name: "opaque", match: matchOpaque},
	{name: "image", match: matchImage},
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func matchOpaque(fields map[string]json.RawMessage) (Payload, string, bool) {
	v, ok := stringField(fields, "value")
	if !ok {
		return Payload{}, "", false
	}
	v = strings.TrimSpace(v)
	return Payload{Kind: KindOpaque, Value: v}, v, true
}

func matchImage(fields map[string]json.RawMessage) (Payload, string, bool) {
	mime, ok := stringField(fields, "mimetype")
	if !ok {
		return Payload{}, "", false
	}
	data, ok := stringField(fields, "data")
	if !ok {
		return Payload{}, "", false
	}
	data = strings.TrimSpace(data)
	if mime == "" {
		mime = "image/png"
	}
	return Payload{Kind: KindDataURI, Value: "data:" + mime + ";base64," + data}, data, true
}

// ParsePayload normalizes a pairing endpoint response. The first matching
// shape wins; content shorter than MinPayloadLength is reported as
// ErrPairingPayloadUnavailable.
func ParsePayload(body []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	for _, m := range matchers {
		p, content, ok := m.match(fields)
		if !ok {
			continue
		}
		if len(content) < MinPayloadLength {
			return Payload{}, fmt.Errorf("%w: %s payload of %d chars", ErrPairingPayloadUnavailable, m.name, len(content))
		}
		return p, nil
	}
	return Payload{}, ErrUnrecognizedPayload
}
