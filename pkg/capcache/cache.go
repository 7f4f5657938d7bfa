// Package capcache implements C4, the LRU+TTL store for fetched
// tool/resource/prompt lists and per-tool schemas (§4.4).
package capcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind distinguishes list entries from schema entries (§3 CapabilityEntry).
type Kind string

const (
	KindTools     Kind = "tools"
	KindResources Kind = "resources"
	KindPrompts   Kind = "prompts"
	KindSchema    Kind = "schema"
)

// Key identifies a cache entry: (server,kind) for lists, (server,kind,item)
// for schemas.
type Key struct {
	Server string
	Kind   Kind
	Item   string
}

type entry struct {
	value   any
	expires time.Time
}

// Stats mirrors the counters required by §4.4.
type Stats struct {
	Hits           int64
	Misses         int64
	TotalRequests  int64
	HitRatio       float64
	Size           int
	ValidEntries   int
	ExpiredEntries int
	MaxSize        int
}

// Cache is the capability cache. golang-lru/v2 provides the bounded,
// concurrency-safe LRU store (§4.4 "capacity-bounded, LRU on overflow");
// the TTL wrapper around each value is plain Go since no pack library
// combines LRU eviction with per-entry TTL (see DESIGN.md).
type Cache struct {
	mu      sync.Mutex
	store   *lru.Cache[Key, entry]
	ttl     time.Duration
	maxSize int

	hits, misses, total int64
}

// New builds a Cache with the given capacity (default 1000 per §4.4) and
// per-entry TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	store, _ := lru.New[Key, entry](maxEntries)
	return &Cache{store: store, ttl: ttl, maxSize: maxEntries}
}

// Get returns the cached value and whether it was a fresh hit. An expired
// entry is treated as a miss and removed (§4.4).
func (c *Cache) Get(k Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++

	e, ok := c.store.Get(k)
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.store.Remove(k)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put inserts or overwrites a value under k.
func (c *Cache) Put(k Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.store.Add(k, entry{value: value, expires: expires})
}

// InvalidateServer drops all entries for a server: on OutboundClient
// transition out of Ready, or on CONFIG REMOVED (§4.4).
func (c *Cache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.store.Keys() {
		if k.Server == server {
			c.store.Remove(k)
		}
	}
}

// InvalidateLists drops only list entries for a server (schema entries
// survive unless explicitly named), matching the list-changed
// notification rule in §4.4.
func (c *Cache) InvalidateLists(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.store.Keys() {
		if k.Server == server && k.Kind != KindSchema {
			c.store.Remove(k)
		}
	}
}

// Stats returns the §4.4 statistics snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	valid, expired := 0, 0
	now := time.Now()
	for _, k := range c.store.Keys() {
		if e, ok := c.store.Peek(k); ok {
			if !e.expires.IsZero() && now.After(e.expires) {
				expired++
			} else {
				valid++
			}
		}
	}

	var ratio float64
	if c.total > 0 {
		ratio = float64(c.hits) / float64(c.total)
	}

	return Stats{
		Hits:           c.hits,
		Misses:         c.misses,
		TotalRequests:  c.total,
		HitRatio:       ratio,
		Size:           c.store.Len(),
		ValidEntries:   valid,
		ExpiredEntries: expired,
		MaxSize:        c.maxSize,
	}
}

// Sweep removes all expired entries; intended to be run periodically
// (§4.4 "or by a periodic sweeper").
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, k := range c.store.Keys() {
		if e, ok := c.store.Peek(k); ok && !e.expires.IsZero() && now.After(e.expires) {
			c.store.Remove(k)
		}
	}
}
