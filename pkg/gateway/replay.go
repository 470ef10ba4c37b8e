package gateway

import (
	"sync"
	"time"
)

const (
	defaultReplayTTL     = 5 * time.Minute
	defaultReplayEntries = 1024
)

// replayCache keeps responses keyed by method and idempotency key, so a
// client retrying after a dropped connection gets the first answer back
// instead of a second analysis.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	limit   int
	now     func() time.Time
	entries map[string]replayEntry
	order   []string // oldest first; may hold keys already dropped
}

type replayEntry struct {
	response RPCResponse
	expires  time.Time
}

func newReplayCache(ttl time.Duration, limit int) *replayCache {
	return &replayCache{
		ttl:     ttl,
		limit:   limit,
		now:     time.Now,
		entries: make(map[string]replayEntry),
	}
}

func replayKey(req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.Method + "\x00" + req.IdempotencyKey
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.response.clone(), true
}

func (c *replayCache) put(key string, response RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = replayEntry{response: response.clone(), expires: now.Add(c.ttl)}
	c.evict(now)
}

// evict drops expired entries from the front of order, then the oldest live
// ones while the cache is over its limit.
func (c *replayCache) evict(now time.Time) {
	drop := 0
	for _, key := range c.order {
		entry, ok := c.entries[key]
		switch {
		case !ok:
		case now.After(entry.expires), len(c.entries) > c.limit:
			delete(c.entries, key)
		default:
			c.order = c.order[drop:]
			return
		}
		drop++
	}
	c.order = c.order[:0]
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		errCopy := *r.Error
		r.Error = &errCopy
	}
	return r
}
