package cache

import (
	"fmt"
	"testing"
)

func TestCacheGetPut(t *testing.T) {
	c := NewCache(10)

	if _, ok := c.Get("missing"); ok {
		t.Error("Empty cache should miss")
	}

	c.Put("id1", "hello")
	plaintext, ok := c.Get("id1")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if plaintext != "hello" {
		t.Errorf("Expected original plaintext, got %q", plaintext)
	}

	// A second Get returns the identical value.
	again, _ := c.Get("id1")
	if again != plaintext {
		t.Error("Repeated lookups must return identical plaintext")
	}
}

func TestCacheFIFOEviction(t *testing.T) {
	c := NewCache(3)

	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	// Touching "a" must not protect it: eviction is FIFO, not LRU.
	c.Get("a")

	c.Put("d", "4")
	if _, ok := c.Get("a"); ok {
		t.Error("Oldest entry should have been evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("Entry %q should still be cached", id)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Expected capacity-bound length 3, got %d", c.Len())
	}
}

func TestCacheRePutKeepsPosition(t *testing.T) {
	c := NewCache(2)

	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("a", "updated")

	c.Put("c", "3")
	if _, ok := c.Get("a"); ok {
		t.Error("Re-put must not refresh eviction position")
	}
	if v, _ := c.Get("b"); v != "2" {
		t.Error("Second-oldest entry should survive")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache(10)
	c.Put("a", "1")
	c.Clear()

	if c.Len() != 0 {
		t.Error("Clear should empty the cache")
	}
	c.Put("b", "2")
	if _, ok := c.Get("b"); !ok {
		t.Error("Cache should be usable after Clear")
	}
}

func TestSetAddContains(t *testing.T) {
	s := NewSet(10)

	if s.Contains("x") {
		t.Error("Empty set should not contain anything")
	}
	if !s.Add("x") {
		t.Error("First Add should report new membership")
	}
	if s.Add("x") {
		t.Error("Second Add of same id should report duplicate")
	}
	if !s.Contains("x") {
		t.Error("Set should contain added id")
	}
}

func TestSetOldestFirstEviction(t *testing.T) {
	s := NewSet(5)

	for i := 0; i < 8; i++ {
		s.Add(fmt.Sprintf("id%d", i))
	}

	if s.Len() != 5 {
		t.Fatalf("Expected bounded length 5, got %d", s.Len())
	}
	for i := 0; i < 3; i++ {
		if s.Contains(fmt.Sprintf("id%d", i)) {
			t.Errorf("id%d should have been evicted oldest-first", i)
		}
	}
	for i := 3; i < 8; i++ {
		if !s.Contains(fmt.Sprintf("id%d", i)) {
			t.Errorf("id%d should still be tracked", i)
		}
	}
}
