// Package dedupe suppresses duplicate message delivery. The transport gives
// no exactly-once guarantee, so callers that care attach a message ID and the
// pipeline drops IDs it has already seen within the TTL window.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of seen message
// IDs. Expired entries are reclaimed lazily on each call; there is no
// background goroutine to manage.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // IDs in insertion order, oldest at the front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that remembers IDs for ttl and holds at most maxSize
// of them, evicting the oldest when full.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen atomically checks whether id was already recorded and records it if
// not. Returns true for a duplicate within the TTL window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()

	if e, ok := c.seen[id]; ok {
		// Refresh so a retransmit storm keeps being suppressed.
		e.seenAt = c.now()
		c.order.MoveToBack(e.element)
		return true
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[id] = &entry{seenAt: c.now(), element: c.order.PushBack(id)}
	return false
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return len(c.seen)
}

// expireLocked drops entries older than the TTL. Refreshing moves entries to
// the back of the order list, so the scan stops at the first live one.
func (c *Cache) expireLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		if now.Sub(c.seen[id].seenAt) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, id)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}
