package analysiscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet_RoundTrips(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("http://example.com", "result-a")

	v, ok := c.Get("http://example.com")
	require.True(t, ok)
	assert.Equal(t, "result-a", v)
}

func TestGet_CaseAndWhitespaceInsensitiveKey(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("  HTTP://Example.com  ", "result-a")

	_, ok := c.Get("http://example.com")
	assert.True(t, ok, "expected Key() normalization to make this a cache hit")
}

func TestGet_ExpiredEntryIsEvicted(t *testing.T) {
	c := New(time.Millisecond, 10)
	c.Put("http://example.com", "result-a")
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("http://example.com")
	assert.False(t, ok, "expected expired entry to be evicted and reported as a miss")
	assert.Equal(t, 0, c.Len())
}

func TestPut_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(time.Minute, 2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "expected b to be evicted as the least recently used entry")

	_, ok = c.Get("a")
	assert.True(t, ok, "expected a to survive since it was touched before eviction")

	_, ok = c.Get("c")
	assert.True(t, ok, "expected the newly inserted entry c to be present")
}

func TestPut_UpdateInPlaceDoesNotGrowLength(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("a", 1)
	c.Put("a", 2)

	require.Equal(t, 1, c.Len(), "expected re-inserting the same key to update in place")
	v, _ := c.Get("a")
	assert.Equal(t, 2, v)
}
