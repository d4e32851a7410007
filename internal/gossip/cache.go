package gossip

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultDedupCapacity = 4096
	defaultDedupTTL      = 10 * time.Minute
)

// dedupCache remembers message ids in arrival order. The oldest id is
// evicted once capacity is reached or its ttl passes.
type dedupCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[[32]byte]*list.Element
	order   *list.List
}

type dedupEntry struct {
	id      [32]byte
	expires time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &dedupCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// Add records id and reports whether it was new.
func (c *dedupCache) Add(id [32]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if _, ok := c.entries[id]; ok {
		return false
	}
	c.entries[id] = c.order.PushBack(&dedupEntry{id: id, expires: now.Add(c.ttl)})
	for len(c.entries) > c.cap {
		front := c.order.Front()
		delete(c.entries, front.Value.(*dedupEntry).id)
		c.order.Remove(front)
	}
	return true
}

func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *dedupCache) pruneLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		ent := el.Value.(*dedupEntry)
		if ent.expires.After(now) {
			return
		}
		next := el.Next()
		delete(c.entries, ent.id)
		c.order.Remove(el)
		el = next
	}
}
