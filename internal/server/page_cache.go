package server

import (
	"strconv"
	"sync"
	"time"

	"readerview/reader"
)

type cacheEntry struct {
	html    string
	created time.Time
}

// pageCache keeps rendered URL conversions for ttl. When full, the oldest entry goes.
type pageCache struct {
	mu   sync.RWMutex
	now  func() time.Time
	ttl  time.Duration
	size int
	data map[string]cacheEntry
}

func newPageCache(now func() time.Time, ttl time.Duration, size int) *pageCache {
	if now == nil {
		now = time.Now
	}
	return &pageCache{
		now:  now,
		ttl:  ttl,
		size: size,
		data: make(map[string]cacheEntry),
	}
}

func (c *pageCache) enabled() bool { return c.ttl > 0 && c.size > 0 }

func cacheKey(req reader.Request) string {
	return req.URL + "|s=" + req.Suppression.String() +
		":t=" + req.Trigger.String() +
		":m=" + strconv.Itoa(req.MinContentLength) +
		":i=" + strconv.Itoa(boolToInt(!req.SkipImageMargins))
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (c *pageCache) Store(key, html string) {
	if !c.enabled() || html == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; !ok && len(c.data) >= c.size {
		c.evictLocked()
	}
	c.data[key] = cacheEntry{html: html, created: c.now()}
}

func (c *pageCache) Get(key string) (string, bool) {
	if !c.enabled() {
		return "", false
	}
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.created) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.created.Equal(entry.created) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.html, true
}

// evictLocked drops expired entries, or the oldest one if none expired.
func (c *pageCache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	dropped := false
	for k, e := range c.data {
		if now.Sub(e.created) >= c.ttl {
			delete(c.data, k)
			dropped = true
			continue
		}
		if oldestKey == "" || e.created.Before(oldest) {
			oldestKey, oldest = k, e.created
		}
	}
	if !dropped && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

func (c *pageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
