// ABOUTME: TTL cache that collapses retried pair requests per device
// ABOUTME: A device retrying within the TTL is reported as already pending

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry tracks when a device's pending window closes. The list element
// gives O(1) removal when the oldest device is evicted.
type entry struct {
	expiresAt time.Time
	element   *list.Element
}

// Cache remembers which devices have a pair request in flight so the
// dispatcher can hand a retrying device its existing request instead of
// minting a new one. Entries age out on the same TTL as the requests
// themselves, and the cache is capped so a flood of unique device IDs
// cannot grow it without bound.
type Cache struct {
	mu      sync.Mutex
	devices map[string]*entry
	order   *list.List // device IDs, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache whose entries expire after ttl. A background
// goroutine sweeps out expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		devices: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndMark reports whether deviceID already has a live entry and
// records it either way. Returns true for a retry within the TTL, false
// when the device is new or its previous entry expired. The check and
// the mark happen under one lock so two concurrent retries cannot both
// see "new".
func (c *Cache) CheckAndMark(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.devices[deviceID]; ok {
		if now.Before(e.expiresAt) {
			// Retry inside the window. Keep the original expiry so the
			// cache entry dies with the request it shadows.
			return true
		}
		// Window closed. Drop the stale entry and treat this as new.
		c.order.Remove(e.element)
		delete(c.devices, deviceID)
	}

	if len(c.devices) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(deviceID)
	c.devices[deviceID] = &entry{
		expiresAt: now.Add(c.ttl),
		element:   elem,
	}
	return false
}

// evictOldest drops the front of the insertion order. Caller holds mu.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.devices, id)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every entry whose window has closed.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.devices {
		if now.After(e.expiresAt) {
			c.order.Remove(e.element)
			delete(c.devices, id)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
