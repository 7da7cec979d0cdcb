package chunkcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New(1024)
	c.Put(0, []byte("abcd"))
	data, ok := c.Get(0)
	require.True(t, ok)
	require.Equal(t, []byte("abcd"), data)
}

func TestEvictOnAck(t *testing.T) {
	c := New(1024)
	c.Put(0, []byte("abcd"))
	c.Evict(0)
	_, ok := c.Get(0)
	require.False(t, ok)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(10) // tiny capacity: 10 bytes
	c.Put(0, []byte("aaaaa"))  // 5 bytes
	c.Put(1, []byte("bbbbb"))  // 5 bytes, used=10
	c.Put(2, []byte("ccccc"))  // forces eviction of 0

	_, ok := c.Get(0)
	require.False(t, ok, "index 0 should have been evicted as LRU")
	_, ok = c.Get(2)
	require.True(t, ok)
	require.Greater(t, c.EvictionFallbacks(), 0)
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New(10)
	c.Put(0, []byte("aaaaa"))
	c.Put(1, []byte("bbbbb"))
	c.Get(0) // refresh 0 to most-recently-used
	c.Put(2, []byte("ccccc"))

	_, ok := c.Get(1)
	require.False(t, ok, "index 1 should be evicted since 0 was refreshed")
	_, ok = c.Get(0)
	require.True(t, ok)
}

func TestClear(t *testing.T) {
	c := New(1024)
	c.Put(0, []byte("a"))
	c.Put(1, []byte("b"))
	c.Clear()
	require.Equal(t, 0, c.Len())
	require.EqualValues(t, 0, c.UsedBytes())
}
