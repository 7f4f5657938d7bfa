package capcache

import (
	"testing"
	"time"
)

func TestCacheHitMiss(t *testing.T) {
	c := New(10, time.Hour)
	k := Key{Server: "alpha", Kind: KindSchema, Item: "read"}

	if _, ok := c.Get(k); ok {
		t.Fatal("expected miss before put")
	}
	c.Put(k, "schema-payload")
	v, ok := c.Get(k)
	if !ok || v != "schema-payload" {
		t.Fatalf("expected hit, got %v, %v", v, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(10, time.Millisecond)
	k := Key{Server: "alpha", Kind: KindSchema, Item: "read"}
	c.Put(k, "v")
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(k); ok {
		t.Fatal("expected expired entry to be a miss")
	}
}

func TestInvalidateServer(t *testing.T) {
	c := New(10, 0)
	c.Put(Key{Server: "alpha", Kind: KindTools}, "a")
	c.Put(Key{Server: "beta", Kind: KindTools}, "b")
	c.InvalidateServer("alpha")
	if _, ok := c.Get(Key{Server: "alpha", Kind: KindTools}); ok {
		t.Fatal("expected alpha entries removed")
	}
	if _, ok := c.Get(Key{Server: "beta", Kind: KindTools}); !ok {
		t.Fatal("expected beta entries to survive")
	}
}

func TestInvalidateListsKeepsSchema(t *testing.T) {
	c := New(10, 0)
	c.Put(Key{Server: "alpha", Kind: KindTools}, "list")
	c.Put(Key{Server: "alpha", Kind: KindSchema, Item: "read"}, "schema")
	c.InvalidateLists("alpha")
	if _, ok := c.Get(Key{Server: "alpha", Kind: KindTools}); ok {
		t.Fatal("expected list entry removed")
	}
	if _, ok := c.Get(Key{Server: "alpha", Kind: KindSchema, Item: "read"}); !ok {
		t.Fatal("expected schema entry to survive")
	}
}

func TestMaxSizeBound(t *testing.T) {
	c := New(2, 0)
	c.Put(Key{Server: "a", Kind: KindTools}, 1)
	c.Put(Key{Server: "b", Kind: KindTools}, 2)
	c.Put(Key{Server: "c", Kind: KindTools}, 3)
	if stats := c.Stats(); stats.Size > 2 {
		t.Fatalf("expected size <= maxEntries, got %d", stats.Size)
	}
}
