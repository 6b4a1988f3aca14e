// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Exact-tier cache defaults, matching the semantic tier's bounds.
const (
	// DefaultCacheTTL is how long an exact-tier entry stays valid.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCacheCapacity bounds the exact tier's entry count.
	DefaultCacheCapacity = 1000
)

// CacheEntry is a stored answer with its expiry.
type CacheEntry struct {
	Result    AnswerResult
	StoredAt  time.Time
	ExpiresAt time.Time
}

// cacheItem is what the LRU list holds.
type cacheItem struct {
	key   string
	entry CacheEntry
}

// CacheStats is a point-in-time counter snapshot for /health.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// ExactCache is the exact-match answer tier: normalized query hash
// plus context hash maps to a previous AnswerResult. Eviction is LRU
// with a TTL check on read.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex guards the map and list.
// Hit/miss counters are atomic.
type ExactCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	lru      *list.List // front = most recent

	hits   atomic.Int64
	misses atomic.Int64
}

// NewExactCache creates a cache with the given bounds. Non-positive
// arguments fall back to the defaults.
func NewExactCache(capacity int, ttl time.Duration) *ExactCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ExactCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get looks up an answer by query text and context hash. Expired
// entries are removed on access.
func (c *ExactCache) Get(queryText, contextHash string) (AnswerResult, bool) {
	key := exactCacheKey(queryText, contextHash)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return AnswerResult{}, false
	}
	item := elem.Value.(*cacheItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, key)
		c.misses.Add(1)
		return AnswerResult{}, false
	}
	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return item.entry.Result, true
}

// Set stores an answer, evicting the least recently used entry when
// the cache is full.
func (c *ExactCache) Set(queryText, contextHash string, result AnswerResult) {
	key := exactCacheKey(queryText, contextHash)
	now := time.Now()
	entry := CacheEntry{
		Result:    result,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheItem).entry = entry
		c.lru.MoveToFront(elem)
		return
	}
	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheItem).key)
		}
	}
	elem := c.lru.PushFront(&cacheItem{key: key, entry: entry})
	c.entries[key] = elem
}

// InvalidateAll drops every entry. Called after an index rebuild.
func (c *ExactCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns hit/miss counters and the current entry count.
func (c *ExactCache) Stats() CacheStats {
	c.mu.Lock()
	entries := c.lru.Len()
	c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// =============================================================================
// Key Derivation
// =============================================================================

var punctuationPattern = regexp.MustCompile(`[^\w\s]`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeQuery canonicalizes a query for cache keying: lowercase,
// trim, strip punctuation, collapse inner whitespace. "What is auth?"
// and "what is auth" share a key.
func NormalizeQuery(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = punctuationPattern.ReplaceAllString(normalized, "")
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// QueryHash returns the first 16 hex chars of sha256 over the
// normalized query.
func QueryHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(text)))
	return hex.EncodeToString(sum[:])[:16]
}

// ContextHash hashes conversation history so the same question in a
// different conversation context gets its own cache slot.
func ContextHash(history []Turn) string {
	if len(history) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(":")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// exactCacheKey namespaces the combined hash the way the backing
// store keys are laid out elsewhere: "response:{qhash}:{ctxhash}".
func exactCacheKey(queryText, contextHash string) string {
	return "response:" + QueryHash(queryText) + ":" + contextHash
}
