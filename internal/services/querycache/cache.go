// -----------------------------------------------------------------------
// Query Cache - LRU of finished tool responses keyed by capsule|tool|args
// -----------------------------------------------------------------------

package querycache

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry holds the reusable pieces of a tool response envelope. TraceID
// is the trace of the request that produced the entry; replays get a
// fresh trace id and fresh timing at the boundary.
type Entry struct {
	TraceID    string
	Tool       string
	Confidence map[string]interface{}
	Result     interface{}
	Pagination interface{}
}

// Cache is a fixed-capacity LRU of tool responses. Entries are only
// valid for identical (capsule, tool, arguments) triples, which the key
// encodes; Purge is called whenever a capsule's side-index is rebuilt.
type Cache struct {
	lru *lru.Cache[string, Entry]
}

// New creates a cache with the given capacity (floor 1).
func New(capacity int) (*Cache, error) {
	if capacity < 1 {
		capacity = 1
	}
	inner, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Cache{lru: inner}, nil
}

// Key builds the canonical cache key. Arguments are serialized with
// encoding/json, whose map-key ordering is deterministic, so equal
// argument sets always produce equal keys.
func Key(capsulePath, tool string, args map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize tool arguments: %w", err)
	}
	return capsulePath + "|" + tool + "|" + string(encoded), nil
}

// Get returns the cached entry for the key, if present.
func (c *Cache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// Add stores an entry, evicting the least recently used one when full.
func (c *Cache) Add(key string, entry Entry) {
	c.lru.Add(key, entry)
}

// Purge drops every entry. Called after a side-index rebuild so stale
// responses never outlive the data they were computed from.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
