package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	c := NewTTLCache(time.Minute)
	defer c.Close()

	c.Set("admin:0xaa", true)
	v, ok := c.Get("admin:0xaa")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	c.SetWithTTL("short", 1, -time.Second)
	_, ok = c.Get("short")
	assert.False(t, ok)

	c.removeExpired()
	c.mu.RLock()
	_, stored := c.data["short"]
	c.mu.RUnlock()
	assert.False(t, stored)
}

func TestTTLCacheTake(t *testing.T) {
	c := NewTTLCache(time.Minute)
	defer c.Close()

	c.Set("offer", "x")
	v, ok := c.Take("offer")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = c.Take("offer")
	assert.False(t, ok)
	_, ok = c.Get("offer")
	assert.False(t, ok)
}
