// Package cache holds the small in-memory caches used by the chat adapters.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for NewDedupeCache.
const (
	DefaultDedupeTTL     = 10 * time.Minute
	DefaultDedupeMaxSize = 1000
)

// DedupeCache remembers recently seen keys so that redelivered chat events
// are handled once. Entries expire after TTL; past MaxSize the least
// recently seen key is evicted.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	TTL     time.Duration
	MaxSize int

	// Now overrides time.Now.
	Now func() time.Time
}

// NewDedupeCache creates a cache. Zero options use the defaults.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultDedupeTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultDedupeMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DedupeCache{
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     opts.Now,
	}
}

// Check reports whether key was seen within the TTL and records it as seen
// now. Empty keys are never duplicates.
func (c *DedupeCache) Check(key string) bool {
	if c == nil || key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if el, ok := c.entries[key]; ok {
		el.Value.(*dedupeEntry).seen = now
		c.order.MoveToFront(el)
		return true
	}

	c.entries[key] = c.order.PushFront(&dedupeEntry{key: key, seen: now})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return false
}

// Len returns the number of remembered keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops entries from the back of the list while they are too old.
// The list is ordered by last sighting, so the walk stops at the first
// live entry.
func (c *DedupeCache) expire(now time.Time) {
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		if now.Sub(el.Value.(*dedupeEntry).seen) < c.ttl {
			return
		}
		c.remove(el)
	}
}

func (c *DedupeCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*dedupeEntry).key)
}

// MessageDedupeKey builds the key of a chat message.
func MessageDedupeKey(channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	if channel == "" {
		return messageID
	}
	return channel + ":" + messageID
}
