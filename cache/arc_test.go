package cache_test

import (
	"testing"

	"tagsistant/cache"
)

func TestARCSetGet(t *testing.T) {
	c := cache.New(4)
	c.Set("/tags/photo/=", []string{"1___a.jpg"})

	v, ok := c.Get("/tags/photo/=")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	entries, ok := v.([]string)
	if !ok || len(entries) != 1 || entries[0] != "1___a.jpg" {
		t.Fatalf("unexpected cached value: %v", v)
	}
}

func TestARCMissThenClear(t *testing.T) {
	c := cache.New(4)
	if _, ok := c.Get("/tags/missing/="); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("/tags/a/=", []string{"x"})
	c.Clear()
	if _, ok := c.Get("/tags/a/="); ok {
		t.Fatal("expected miss after Clear")
	}
}

func TestARCEvictsUnderCapacity(t *testing.T) {
	c := cache.New(2)
	c.Set("/tags/a/=", 1)
	c.Set("/tags/b/=", 2)
	c.Set("/tags/c/=", 3)

	hits := 0
	for _, k := range []string{"/tags/a/=", "/tags/b/=", "/tags/c/="} {
		if _, ok := c.Get(k); ok {
			hits++
		}
	}
	if hits == 0 {
		t.Fatal("expected at least one surviving entry after eviction")
	}
}
