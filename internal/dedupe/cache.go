// ABOUTME: Thread-safe TTL cache for deduplicating inbound platform messages.
// ABOUTME: Makes webhook retries idempotent before any persistence happens.

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

// Cache tracks recently seen (adapter, message ID) pairs so that platform
// webhook retries are dropped before they reach the conversation layer.
// Entries expire after a TTL and the oldest entry is evicted at capacity,
// using a doubly-linked list for O(1) eviction.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // keys in insertion order, oldest at front
	ttl      time.Duration
	capacity int
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		entries:  make(map[string]*entry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen atomically checks whether the (adapterName, messageID) pair was
// already recorded and records it if not. Returns true for a duplicate.
// The check and the mark share one critical section so two concurrent
// deliveries of the same retry cannot both pass.
func (c *Cache) Seen(adapterName, messageID string) bool {
	key := adapterName + "\x00" + messageID

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if time.Since(e.seenAt) < c.ttl {
			e.seenAt = time.Now()
			c.order.MoveToBack(e.element)
			return true
		}
		// Expired: drop the stale list slot before re-recording, or the
		// key would occupy two slots and eviction could remove the live
		// entry early.
		c.order.Remove(e.element)
		delete(c.entries, key)
	}

	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{seenAt: time.Now(), element: elem}
	return false
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
