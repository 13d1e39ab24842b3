// ABOUTME: Scriptable in-process fake of the messaging gateway for tests
// ABOUTME: Sessions advance through queued statuses on each status read

package wahatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/2389/wa-gateway/internal/waha"
)

// APIKey is the key the fake accepts.
const APIKey = "test-api-key"

// ValidQR is a raw pairing payload comfortably above the minimum length.
const ValidQR = "2@Xq8nP0cVb3lKc9qLm4RtYzAbCdEfGhIjKlMnOpQrStUv,WxYz0123456789,AbCd=="

type session struct {
	status  waha.Status
	queue   []waha.Status
	account *waha.Account
	config  waha.SessionConfig
}

// Gateway is a fake gateway backed by httptest.Server.
type Gateway struct {
	Server *httptest.Server

	mu       sync.Mutex
	sessions map[string]*session
	calls    []string
	sent     []json.RawMessage

	// Statuses queued after a create, start or restart. The last one sticks.
	OnCreate  []waha.Status
	OnStart   []waha.Status
	OnRestart []waha.Status

	// QRBody is returned by the pairing endpoint while AWAITING_PAIRING.
	QRBody string
}

// New starts a fake gateway that is closed when the test ends.
func New(t testing.TB) *Gateway {
	g := &Gateway{
		sessions:  make(map[string]*session),
		OnCreate:  []waha.Status{waha.StatusStarting, waha.StatusScanQRCode},
		OnStart:   []waha.Status{waha.StatusStarting, waha.StatusScanQRCode},
		OnRestart: []waha.Status{waha.StatusStarting, waha.StatusScanQRCode},
		QRBody:    fmt.Sprintf(`{"value":%q}`, ValidQR),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", g.handleCreate)
	mux.HandleFunc("GET /sessions", g.handleList)
	mux.HandleFunc("GET /sessions/{name}", g.handleGet)
	mux.HandleFunc("PUT /sessions/{name}", g.handleUpdate)
	mux.HandleFunc("POST /sessions/{name}/start", g.handleTransition(&g.OnStart, http.StatusConflict))
	mux.HandleFunc("POST /sessions/{name}/restart", g.handleTransition(&g.OnRestart, 0))
	mux.HandleFunc("POST /{name}/auth/logout", g.handleLogout)
	mux.HandleFunc("GET /{name}/auth/qr", g.handleQR)
	mux.HandleFunc("POST /sendText", g.handleSend)
	mux.HandleFunc("POST /sendImage", g.handleSend)
	mux.HandleFunc("POST /sendFile", g.handleSend)

	g.Server = httptest.NewServer(g.authenticate(mux))
	t.Cleanup(g.Server.Close)
	return g
}

// URL is the fake's base URL.
func (g *Gateway) URL() string { return g.Server.URL }

// AddSession registers an existing session with the given status.
func (g *Gateway) AddSession(name string, status waha.Status, then ...waha.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := &session{status: status, queue: append([]waha.Status(nil), then...)}
	if status == waha.StatusWorking {
		s.account = &waha.Account{ID: "15551234567@c.us", Phone: "15551234567", DisplayName: "Front Desk"}
	}
	g.sessions[name] = s
}

// SetAccount sets the paired account shown while WORKING.
func (g *Gateway) SetAccount(name string, a *waha.Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[name]; ok {
		s.account = a
	}
}

// Status returns the current normalized status of a session, or NOT_FOUND.
func (g *Gateway) Status(name string) waha.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[name]; ok {
		return waha.NormalizeStatus(string(s.status))
	}
	return waha.StatusNotFound
}

// Config returns the stored configuration of a session.
func (g *Gateway) Config(name string) waha.SessionConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[name]; ok {
		return s.config
	}
	return waha.SessionConfig{}
}

// SetConfig overwrites the stored configuration of a session.
func (g *Gateway) SetConfig(name string, cfg waha.SessionConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[name]; ok {
		s.config = cfg
	}
}

// Count returns how many requests matched "METHOD /path" by prefix.
func (g *Gateway) Count(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Sent returns the bodies of successful send requests.
func (g *Gateway) Sent() []json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]json.RawMessage(nil), g.sent...)
}

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.calls = append(g.calls, r.Method+" "+r.URL.Path)
		g.mu.Unlock()

		if r.Header.Get(waha.APIKeyHeader) != APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// advance pops the next queued status. Callers hold g.mu.
func (s *session) advance() {
	if len(s.queue) == 0 {
		return
	}
	s.status = s.queue[0]
	s.queue = s.queue[1:]
	if s.status == waha.StatusWorking && s.account == nil {
		s.account = &waha.Account{ID: "15551234567@c.us", Phone: "15551234567", DisplayName: "Front Desk"}
	}
}

func (s *session) body(name string) map[string]any {
	out := map[string]any{"name": name, "status": s.status, "config": s.config}
	if s.status == waha.StatusWorking && s.account != nil {
		out["me"] = map[string]string{"id": s.account.ID, "pushName": s.account.DisplayName}
	}
	return out
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req waha.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sessions[req.Name]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "session already exists"})
		return
	}
	s := &session{status: waha.StatusStopped}
	if req.Config != nil {
		s.config = *req.Config
	}
	if req.Start {
		s.queue = append([]waha.Status(nil), g.OnCreate...)
		s.advance()
	}
	g.sessions[req.Name] = s
	writeJSON(w, http.StatusCreated, s.body(req.Name))
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.sessions))
	for name := range g.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, g.sessions[name].body(name))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	body := s.body(name)
	s.advance()
	writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Config waha.SessionConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.config = req.Config
	writeJSON(w, http.StatusOK, s.body(name))
}

// handleTransition applies a status script. workingStatus, when non-zero, is
// the response for a session that is already WORKING.
func (g *Gateway) handleTransition(script *[]waha.Status, workingStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		g.mu.Lock()
		defer g.mu.Unlock()
		s, ok := g.sessions[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		if workingStatus != 0 && s.status == waha.StatusWorking {
			writeJSON(w, workingStatus, map[string]string{"error": "session already started"})
			return
		}
		s.queue = append([]waha.Status(nil), (*script)...)
		s.advance()
		writeJSON(w, http.StatusCreated, s.body(name))
	}
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.account = nil
	s.queue = nil
	s.status = waha.StatusScanQRCode
	writeJSON(w, http.StatusCreated, map[string]string{"result": "ok"})
}

func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if waha.NormalizeStatus(string(s.status)) != waha.StatusAwaitingPairing {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "not awaiting pairing", "status": s.status})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(g.QRBody))
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	var req struct {
		Session string `json:"session"`
	}
	_ = json.Unmarshal(raw, &req)

	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[req.Session]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if s.status != waha.StatusWorking {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "Session status is not as expected",
			"status":   s.status,
			"expected": []string{string(waha.StatusWorking)},
		})
		return
	}
	g.sent = append(g.sent, raw)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": map[string]string{"_serialized": fmt.Sprintf("true_%d@c.us_MSG%d", len(g.sent), len(g.sent))},
	})
}
