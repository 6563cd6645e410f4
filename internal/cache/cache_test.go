package cache

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresLazily(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestResolverCacheInvalidate(t *testing.T) {
	c := NewUsageResolverCache()
	org := snowflake.ID(7)

	c.SetOrgByAPIKey("ABC", org)
	got, ok := c.GetOrgByAPIKey("abc")
	assert.True(t, ok)
	assert.Equal(t, org, got)
	c.InvalidateAPIKey("abc")
	_, ok = c.GetOrgByAPIKey("abc")
	assert.False(t, ok)

	c.SetCustomerID(org, "Cust-1", 99)
	_, ok = c.GetCustomerID(org, "cust-1")
	assert.False(t, ok)
	got, ok = c.GetCustomerID(org, "Cust-1")
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(99), got)

	c.SetCustomerID(org, "zero", 0)
	_, ok = c.GetCustomerID(org, "zero")
	assert.False(t, ok)
}
