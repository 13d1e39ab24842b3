// ABOUTME: Bounded TTL cache recording which inbound webhook events were already handled
// ABOUTME: Gateways retry deliveries; the receiver drops repeats of the same tenant event id

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/wa-gateway/internal/clock"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache tracks seen keys in insertion order. Because re-marking moves a key to
// the back with a fresh time, the front is always the oldest entry, so expiry
// and eviction both work from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache. A nil clock uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Key builds the cache key for one tenant's event.
func Key(tenantID, eventID string) string {
	return tenantID + "\x00" + eventID
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.clock.Now())
	_, ok := c.index[key]
	return ok
}

// CheckAndMark reports whether key is a repeat. New keys are marked in the
// same critical section, so two concurrent deliveries cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expireLocked(now)
	if _, ok := c.index[key]; ok {
		return true
	}
	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget drops key, e.g. when handling it failed and a retry should pass.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.clock.Now())
	return c.order.Len()
}

func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
