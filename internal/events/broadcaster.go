// ABOUTME: In-memory per-tenant fan-out of inbound gateway events
// ABOUTME: Feeds the SSE stream; slow subscribers drop events instead of blocking the webhook

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wa-gateway/internal/waha"
)

const subscriberBufferSize = 64

// Kind names an event on the tenant stream.
type Kind string

// Event kinds.
const (
	KindConnected     Kind = "connected"
	KindMessage       Kind = "message"
	KindSessionStatus Kind = "session.status"
)

// Event is one routed inbound event.
type Event struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Kind       Kind            `json:"kind"`
	Session    string          `json:"session,omitempty"`
	Status     waha.Status     `json:"status,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Broadcaster delivers events to every subscriber of a tenant.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // tenantID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for a tenant's events. The subscription ends, and the
// channel closes, when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()
	return ch, subID
}

// Publish fills in ID and ReceivedAt when empty and fans the event out.
// It never blocks: a full subscriber misses the event.
func (b *Broadcaster) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers[e.TenantID] {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", e.TenantID,
				"sub_id", subID,
				"event_id", e.ID)
		}
	}
	return e
}

// SubscriberCount returns the number of live subscriptions for a tenant.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[tenantID]
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}
	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close ends every subscription. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, tenantID)
	}
	b.closed = true
}
