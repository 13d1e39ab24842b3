// ABOUTME: Session Manager creating, inspecting and commanding each tenant's remote session
// ABOUTME: Mutating calls are serialized per tenant; created names are persisted on the tenant record

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/identity"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/tenantcfg"
	"github.com/2389/wa-gateway/internal/waha"
)

// ErrSessionUnrecoverable is returned when a session stays FAILED after one
// restart and its wait budget. It needs manual reconnection.
var ErrSessionUnrecoverable = errors.New("session unrecoverable: manual reconnection required")

// ConfigResolver yields the gateway endpoint and key for a tenant.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID string) (tenantcfg.Config, error)
}

// Store is the persistence the manager needs.
type Store interface {
	GetTenantSettings(ctx context.Context, tenantID string) (*store.TenantSettings, error)
	SetTenantSetting(ctx context.Context, tenantID, key, value string) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	Namer           identity.Namer
	CallbackURL     string // webhook target attached on create; empty skips the binding
	TenantHeader    string
	PollInterval    time.Duration
	MaxPollAttempts int
	HTTPClient      *http.Client
	Clock           clock.Clock
}

// Manager drives tenants' sessions on the gateway.
type Manager struct {
	resolver ConfigResolver
	store    Store
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewManager creates a Manager.
func NewManager(resolver ConfigResolver, s Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = "X-Tenant-ID"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = 15
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Manager{
		resolver: resolver,
		store:    s,
		opts:     opts,
		logger:   logger.With("component", "session"),
		locks:    make(map[string]chan struct{}),
	}
}

// Clock returns the manager's time source so collaborators share it.
func (m *Manager) Clock() clock.Clock { return m.opts.Clock }

// PollInterval is the fixed delay between status checks in bounded waits.
func (m *Manager) PollInterval() time.Duration { return m.opts.PollInterval }

// MaxPollAttempts bounds every status wait.
func (m *Manager) MaxPollAttempts() int { return m.opts.MaxPollAttempts }

// lock serializes mutating calls for one tenant. It honours ctx while waiting.
func (m *Manager) lock(ctx context.Context, tenantID string) (func(), error) {
	m.mu.Lock()
	ch, ok := m.locks[tenantID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[tenantID] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Client returns a gateway client for the tenant's resolved configuration.
func (m *Manager) Client(ctx context.Context, tenantID string) (*waha.Client, error) {
	cfg, err := m.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return waha.NewClient(cfg.BaseURL, cfg.APIKey,
		waha.WithHTTPClient(m.opts.HTTPClient),
		waha.WithLogger(m.logger),
	), nil
}

// SessionName returns the tenant's persisted session name, recomputing it
// from the tenant id when none has been stored yet.
func (m *Manager) SessionName(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", identity.ErrInvalidTenantID
	}
	ts, err := m.store.GetTenantSettings(ctx, tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("reading session name: %w", err)
	default:
		if name := ts.Get(store.KeySessionName); name != "" {
			return name, nil
		}
	}
	return m.opts.Namer.NameFor(tenantID)
}

func (m *Manager) audit(ctx context.Context, action store.AuditAction, tenantID, name string, detail map[string]any) {
	entry := &store.AuditEntry{
		Actor:    auth.ActorFromContext(ctx),
		Action:   action,
		TenantID: tenantID,
		Target:   name,
		Detail:   detail,
	}
	if err := m.store.AppendAuditLog(ctx, entry); err != nil {
		m.logger.Error("failed to append audit entry", "action", action, "tenant_id", tenantID, "error", err)
	}
}

func (m *Manager) createRequest(tenantID, name string) waha.CreateSessionRequest {
	req := waha.CreateSessionRequest{Name: name, Start: true}
	if m.opts.CallbackURL != "" {
		req.Config = &waha.SessionConfig{
			Webhooks: []waha.Webhook{waha.TenantWebhook(m.opts.CallbackURL, m.opts.TenantHeader, tenantID)},
		}
	} else {
		m.logger.Warn("creating session without webhook binding; callback base url not configured",
			"tenant_id", tenantID, "session", name)
	}
	return req
}

// Create creates and starts the tenant's session with its webhook binding.
// An existing session counts as success; a FAILED or STOPPED one is restarted
// once and awaited. The session name is persisted on the tenant record.
func (m *Manager) Create(ctx context.Context, tenantID string) (*waha.Session, error) {
	unlock, err := m.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	name, err := m.SessionName(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s, err := c.CreateSession(ctx, m.createRequest(tenantID, name))
	switch {
	case err == nil:
		m.logger.Info("session created", "tenant_id", tenantID, "session", name, "status", s.Status)
		m.audit(ctx, store.AuditCreateSession, tenantID, name, map[string]any{"base_url": c.BaseURL()})
	case waha.IsConflict(err):
		m.logger.Debug("session already exists", "tenant_id", tenantID, "session", name)
		s, err = m.getByName(ctx, c, name)
		if err != nil {
			return nil, err
		}
		if s.Status == waha.StatusFailed || s.Status == waha.StatusStopped {
			if s, err = m.recover(ctx, c, tenantID, name); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	if err := m.store.SetTenantSetting(ctx, tenantID, store.KeySessionName, name); err != nil {
		return nil, fmt.Errorf("persisting session name: %w", err)
	}
	return s, nil
}

// recover restarts a FAILED/STOPPED session once and waits for it to reach a
// usable state. Callers hold the tenant lock.
func (m *Manager) recover(ctx context.Context, c *waha.Client, tenantID, name string) (*waha.Session, error) {
	m.logger.Info("restarting session", "tenant_id", tenantID, "session", name)
	if err := c.RestartSession(ctx, name); err != nil {
		return nil, err
	}
	m.audit(ctx, store.AuditRestartSession, tenantID, name, nil)

	s, _, err := m.await(ctx, c, name, usable)
	if err != nil {
		return nil, err
	}
	if s.Status == waha.StatusFailed || s.Status == waha.StatusStopped {
		m.logger.Error("session still down after restart", "tenant_id", tenantID, "session", name, "status", s.Status)
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionUnrecoverable, name, s.Status)
	}
	return s, nil
}

func usable(s waha.Status) bool {
	return s == waha.StatusAwaitingPairing || s == waha.StatusWorking
}

// await polls a session until done accepts its status or the attempt budget
// runs out. It reports whether done was satisfied and returns the last snapshot.
func (m *Manager) await(ctx context.Context, c *waha.Client, name string, done func(waha.Status) bool) (*waha.Session, bool, error) {
	var last *waha.Session
	for attempt := 1; attempt <= m.opts.MaxPollAttempts; attempt++ {
		if err := m.opts.Clock.Sleep(ctx, m.opts.PollInterval); err != nil {
			return nil, false, err
		}
		s, err := m.getByName(ctx, c, name)
		if err != nil {
			return nil, false, err
		}
		last = s
		if done(s.Status) {
			return s, true, nil
		}
		m.logger.Debug("waiting for session", "session", name, "status", s.Status, "attempt", attempt)
	}
	return last, false, nil
}

// Await polls the named session of a tenant until done accepts its status or
// MaxPollAttempts checks have been made.
func (m *Manager) Await(ctx context.Context, tenantID, name string, done func(waha.Status) bool) (*waha.Session, bool, error) {
	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return m.await(ctx, c, name, done)
}

func (m *Manager) getByName(ctx context.Context, c *waha.Client, name string) (*waha.Session, error) {
	s, err := c.GetSession(ctx, name)
	if waha.IsNotFound(err) {
		return &waha.Session{Name: name, Status: waha.StatusNotFound}, nil
	}
	return s, err
}

// Get returns the tenant's session, or a NOT_FOUND snapshot when it does not exist.
func (m *Manager) Get(ctx context.Context, tenantID string) (*waha.Session, error) {
	name, err := m.SessionName(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.GetByName(ctx, tenantID, name)
}

// GetByName returns the named session using the tenant's gateway configuration.
func (m *Manager) GetByName(ctx context.Context, tenantID, name string) (*waha.Session, error) {
	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.getByName(ctx, c, name)
}

// Start starts an existing session. "Already started" counts as success.
func (m *Manager) Start(ctx context.Context, tenantID, name string) error {
	unlock, err := m.lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := c.StartSession(ctx, name); err != nil && statusOf(err) != http.StatusConflict {
		return err
	}
	m.logger.Info("session started", "tenant_id", tenantID, "session", name)
	return nil
}

// Restart stops and starts a session; it is the recovery path for FAILED.
func (m *Manager) Restart(ctx context.Context, tenantID, name string) error {
	unlock, err := m.lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := c.RestartSession(ctx, name); err != nil {
		return err
	}
	m.logger.Info("session restarted", "tenant_id", tenantID, "session", name)
	m.audit(ctx, store.AuditRestartSession, tenantID, name, nil)
	return nil
}

// Logout unpairs the device but keeps the session. A missing session counts
// as logged out.
func (m *Manager) Logout(ctx context.Context, tenantID, name string) error {
	unlock, err := m.lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := c.LogoutSession(ctx, name); err != nil && !waha.IsNotFound(err) {
		return err
	}
	m.logger.Info("session logged out", "tenant_id", tenantID, "session", name)
	m.audit(ctx, store.AuditLogoutSession, tenantID, name, nil)
	return nil
}

// ListAll returns every session on the tenant's gateway.
func (m *Manager) ListAll(ctx context.Context, tenantID string) ([]waha.Session, error) {
	c, err := m.Client(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return c.ListSessions(ctx)
}

// FindWorking returns the first WORKING session on the tenant's gateway,
// preferring the single-tenant default session. It returns nil when none is working.
func (m *Manager) FindWorking(ctx context.Context, tenantID string) (*waha.Session, error) {
	sessions, err := m.ListAll(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var first *waha.Session
	for i := range sessions {
		s := &sessions[i]
		if s.Status != waha.StatusWorking {
			continue
		}
		if s.Name == waha.DefaultSessionName {
			return s, nil
		}
		if first == nil {
			first = s
		}
	}
	return first, nil
}

func statusOf(err error) int {
	var e *waha.Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
