package server

import (
	"testing"
	"time"

	"readerview/reader"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestPageCacheExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newPageCache(clock.now, time.Minute, 4)
	c.Store("k", "v")
	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	clock.t = clock.t.Add(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry survived its ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry kept: %d", c.Len())
	}
}

func TestPageCacheEvictsOldest(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := newPageCache(clock.now, time.Hour, 2)
	c.Store("a", "1")
	clock.t = clock.t.Add(time.Second)
	c.Store("b", "2")
	clock.t = clock.t.Add(time.Second)
	c.Store("c", "3")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("oldest entry kept")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s evicted", k)
		}
	}
	// overwriting an existing key does not evict
	c.Store("c", "4")
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
}

func TestPageCacheDisabled(t *testing.T) {
	for _, c := range []*pageCache{newPageCache(nil, 0, 4), newPageCache(nil, time.Minute, 0)} {
		c.Store("k", "v")
		if _, ok := c.Get("k"); ok {
			t.Fatalf("disabled cache returned a value")
		}
	}
	c := newPageCache(nil, time.Minute, 4)
	c.Store("k", "")
	if c.Len() != 0 {
		t.Fatalf("empty page stored")
	}
}

func TestCacheKeyCoversOptions(t *testing.T) {
	base := reader.Request{URL: "http://example.com/"}
	variants := []reader.Request{
		base,
		{URL: base.URL, Suppression: reader.SuppressAll},
		{URL: base.URL, Trigger: reader.AtDocumentStart},
		{URL: base.URL, MinContentLength: 10},
		{URL: base.URL, SkipImageMargins: true},
		{URL: "http://example.com/other"},
	}
	seen := map[string]bool{}
	for _, v := range variants {
		k := cacheKey(v)
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
}
