package querycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_AddGetRoundTrip(t *testing.T) {
	cache, err := New(4)
	require.NoError(t, err)

	key, err := Key("/exports/a.mv2", "symbol_lookup", map[string]interface{}{"name": "foo", "limit": 20})
	require.NoError(t, err)

	cache.Add(key, Entry{TraceID: "t-1", Tool: "symbol_lookup"})

	entry, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, "symbol_lookup", entry.Tool)
}

func TestCache_KeyIsDeterministicAcrossArgOrder(t *testing.T) {
	a, err := Key("/c.mv2", "text_search", map[string]interface{}{"query": "x", "limit": 10})
	require.NoError(t, err)
	b, err := Key("/c.mv2", "text_search", map[string]interface{}{"limit": 10, "query": "x"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "argument insertion order must not change the key")
}

func TestCache_KeySeparatesCapsuleToolAndArgs(t *testing.T) {
	base, err := Key("/c.mv2", "node_get", map[string]interface{}{"nodeId": "n1"})
	require.NoError(t, err)

	otherCapsule, _ := Key("/d.mv2", "node_get", map[string]interface{}{"nodeId": "n1"})
	otherTool, _ := Key("/c.mv2", "edge_get", map[string]interface{}{"nodeId": "n1"})
	otherArgs, _ := Key("/c.mv2", "node_get", map[string]interface{}{"nodeId": "n2"})

	assert.NotEqual(t, base, otherCapsule)
	assert.NotEqual(t, base, otherTool)
	assert.NotEqual(t, base, otherArgs)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := New(2)
	require.NoError(t, err)

	cache.Add("a", Entry{Tool: "a"})
	cache.Add("b", Entry{Tool: "b"})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Add("c", Entry{Tool: "c"})

	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = cache.Get("a")
	assert.True(t, ok)
}

func TestCache_PurgeDropsEverything(t *testing.T) {
	cache, err := New(4)
	require.NoError(t, err)

	cache.Add("a", Entry{})
	cache.Add("b", Entry{})
	require.Equal(t, 2, cache.Len())

	cache.Purge()
	assert.Equal(t, 0, cache.Len())
}
