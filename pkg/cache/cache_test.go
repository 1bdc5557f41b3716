package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheExpiry(t *testing.T) {
	c := New[string](time.Minute, 10)
	current := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return current }

	c.Set("k", "v")
	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("expected hit, got %q ok=%v", got, ok)
	}

	current = current.Add(61 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted, len=%d", c.Len())
	}
}

func TestCacheBoundedSize(t *testing.T) {
	c := New[int](time.Minute, 3)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	if c.Len() != 3 {
		t.Fatalf("expected capacity 3, len=%d", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if got, ok := c.Get("k4"); !ok || got != 4 {
		t.Fatalf("newest entry missing: %d ok=%v", got, ok)
	}
}

func TestCacheSetRefreshesRecency(t *testing.T) {
	c := New[int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)
	c.Set("c", 4)

	if _, ok := c.Get("b"); ok {
		t.Fatal("least recently used entry should have been evicted")
	}
	if got, _ := c.Get("a"); got != 3 {
		t.Fatalf("expected refreshed value 3, got %d", got)
	}
}
