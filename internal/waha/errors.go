// ABOUTME: Typed gateway error carrying the operation, HTTP status and reported session state
// ABOUTME: Network failures carry status 0 and wrap the transport error

package waha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is returned for every failed gateway call.
type Error struct {
	Op     string // e.g. "create session"
	Status int    // HTTP status; 0 when the request never got a response
	State  Status // session state reported in the error body, if any
	Body   string // truncated response body
	Err    error  // transport error, if any
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	if e.State != "" {
		return fmt.Sprintf("gateway %s: HTTP %d (session %s)", e.Op, e.Status, e.State)
	}
	return fmt.Sprintf("gateway %s: HTTP %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because it ran out of time.
func (e *Error) Timeout() bool {
	if e.Status == http.StatusGatewayTimeout {
		return true
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

func statusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return -1
}

// IsNotFound reports a 404 from the gateway.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports the gateway's "already exists" signals (409 or 422).
func IsConflict(err error) bool {
	s := statusOf(err)
	return s == http.StatusConflict || s == http.StatusUnprocessableEntity
}

// IsNotReady reports a 422 carrying a session state and returns that state.
func IsNotReady(err error) (Status, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Status != http.StatusUnprocessableEntity || e.State == "" {
		return "", false
	}
	return e.State, true
}

// stateFromBody pulls a session state out of an error body. Gateways use
// either "status" or "state" for it.
func stateFromBody(body []byte) Status {
	var raw struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return ""
	}
	s := raw.State
	if s == "" {
		s = raw.Status
	}
	if s == "" {
		return ""
	}
	return NormalizeStatus(s)
}
