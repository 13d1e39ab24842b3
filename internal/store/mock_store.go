// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to assert on call counts

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	tenants map[string]*TenantSettings // keyed by tenant ID
	order   []string                   // tenant IDs in creation order
	audit   []AuditEntry
	calls   int

	// Err, when set, is returned by every method.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants: make(map[string]*TenantSettings),
	}
}

// Calls returns how many Store methods have been invoked.
func (m *MockStore) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MockStore) enter() error {
	m.calls++
	return m.Err
}

func copySettings(t *TenantSettings) *TenantSettings {
	c := *t
	c.Values = make(map[string]string, len(t.Values))
	for k, v := range t.Values {
		c.Values[k] = v
	}
	return &c
}

// GetTenantSettings returns a copy of the tenant's record.
func (m *MockStore) GetTenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySettings(t), nil
}

// ListTenantSettings returns up to limit records in creation order.
func (m *MockStore) ListTenantSettings(ctx context.Context, limit int) ([]*TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}
	var out []*TenantSettings
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		out = append(out, copySettings(m.tenants[id]))
	}
	return out, nil
}

// ListTenantsWithSetting returns tenantID -> value for tenants with key set.
func (m *MockStore) ListTenantsWithSetting(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for id, t := range m.tenants {
		if v := t.Values[key]; v != "" {
			out[id] = v
		}
	}
	return out, nil
}

// SetTenantSetting upserts one key. An empty value removes it.
func (m *MockStore) SetTenantSetting(ctx context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}

	now := time.Now().UTC()
	t, ok := m.tenants[tenantID]
	if !ok {
		t = &TenantSettings{TenantID: tenantID, Values: make(map[string]string), CreatedAt: now}
		m.tenants[tenantID] = t
		m.order = append(m.order, tenantID)
	}
	if value == "" {
		delete(t.Values, key)
	} else {
		t.Values[key] = value
	}
	t.UpdatedAt = now
	return nil
}

// DeleteTenantSetting removes one key from the tenant's record.
func (m *MockStore) DeleteTenantSetting(ctx context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}

	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	delete(t.Values, key)
	return nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = SystemActor
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}

	entries := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.TenantID != nil && e.TenantID != *f.TenantID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	limit := normalizeAuditLimit(f.Limit)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Ping reports the injected error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter()
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
