package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache[string, int](nil)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache[string, string](nil)

	c.Set("short", "lived", 10*time.Millisecond)
	v, ok := c.Get("short")
	assert.True(t, ok)
	assert.Equal(t, "lived", v)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok, "entry should expire after its TTL")

	// Zero TTL entries never expire
	c.Set("pinned", "forever", 0)
	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("pinned")
	assert.True(t, ok)
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	c := NewMemoryCache[int, string](nil)

	c.Set(1, "one", 0)
	c.Set(2, "two", 0)

	c.Delete(1)
	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestWithTTLAppliesDefault(t *testing.T) {
	c := WithTTL(NewMemoryCache[string, int](nil), 10*time.Millisecond)

	// The TTL passed to Set is ignored in favor of the wrapper's
	c.Set("k", 42, time.Hour)
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
