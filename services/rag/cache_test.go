// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Key Derivation Tests
// =============================================================================

// TestNormalizeQuery verifies case, punctuation, and whitespace do not
// affect the cache key.
func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"What is auth?", "what is auth"},
		{"  what IS   auth  ", "what is auth"},
		{"what-is-auth!!!", "whatisauth"},
		{"How do I place an order?", "how do i place an order"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeQuery(tt.input), "input %q", tt.input)
	}
}

// TestQueryHash verifies equivalent phrasings share a hash and the
// hash is a 16-char hex prefix.
func TestQueryHash(t *testing.T) {
	h1 := QueryHash("What is auth?")
	h2 := QueryHash("what is auth")
	h3 := QueryHash("what is margin")

	assert.Len(t, h1, 16)
	assert.Equal(t, h1, h2, "normalized-equal queries must share a hash")
	assert.NotEqual(t, h1, h3, "different queries must not collide")
}

// TestContextHash verifies empty history gets the sentinel and
// different histories get different hashes.
func TestContextHash(t *testing.T) {
	assert.Equal(t, "none", ContextHash(nil))
	assert.Equal(t, "none", ContextHash([]Turn{}))

	h1 := ContextHash([]Turn{{Role: "user", Content: "how do I authenticate?"}})
	h2 := ContextHash([]Turn{{Role: "user", Content: "how do I place an order?"}})
	assert.Len(t, h1, 16)
	assert.NotEqual(t, h1, h2)
}

// =============================================================================
// ExactCache Tests
// =============================================================================

// TestExactCache_SetGet verifies round-trip and hit/miss accounting.
func TestExactCache_SetGet(t *testing.T) {
	cache := NewExactCache(10, time.Minute)

	_, ok := cache.Get("how do I authenticate?", "none")
	assert.False(t, ok, "empty cache must miss")

	want := AnswerResult{Text: "Use the X-Authentication header.", Mode: ModeGrounded}
	cache.Set("how do I authenticate?", "none", want)

	got, ok := cache.Get("How do I authenticate?!", "none")
	require.True(t, ok, "normalized-equal query must hit")
	assert.Equal(t, want, got)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

// TestExactCache_ContextSeparation verifies the same question under
// different histories occupies different slots.
func TestExactCache_ContextSeparation(t *testing.T) {
	cache := NewExactCache(10, time.Minute)
	cache.Set("what does that mean?", "ctx-a", AnswerResult{Text: "A", Mode: ModeGrounded})
	cache.Set("what does that mean?", "ctx-b", AnswerResult{Text: "B", Mode: ModeGrounded})

	a, ok := cache.Get("what does that mean?", "ctx-a")
	require.True(t, ok)
	b, ok := cache.Get("what does that mean?", "ctx-b")
	require.True(t, ok)
	assert.Equal(t, "A", a.Text)
	assert.Equal(t, "B", b.Text)
}

// TestExactCache_TTLExpiry verifies expired entries miss and are
// removed on access.
func TestExactCache_TTLExpiry(t *testing.T) {
	cache := NewExactCache(10, 10*time.Millisecond)
	cache.Set("what is leverage?", "none", AnswerResult{Text: "x", Mode: ModeGrounded})

	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get("what is leverage?", "none")
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, cache.Stats().Entries, "expired entry must be removed")
}

// TestExactCache_LRUEviction verifies the least recently used entry
// goes first when the cache is full.
func TestExactCache_LRUEviction(t *testing.T) {
	cache := NewExactCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("question %d", i), "none", AnswerResult{Text: fmt.Sprintf("a%d", i)})
	}

	// Touch question 0 so question 1 becomes the oldest.
	_, ok := cache.Get("question 0", "none")
	require.True(t, ok)

	cache.Set("question 3", "none", AnswerResult{Text: "a3"})

	_, ok = cache.Get("question 1", "none")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = cache.Get("question 0", "none")
	assert.True(t, ok, "recently touched entry must survive")
	assert.Equal(t, 3, cache.Stats().Entries)
}

// TestExactCache_Overwrite verifies setting an existing key replaces
// the entry without growing the cache.
func TestExactCache_Overwrite(t *testing.T) {
	cache := NewExactCache(10, time.Minute)
	cache.Set("what is margin?", "none", AnswerResult{Text: "old"})
	cache.Set("what is margin?", "none", AnswerResult{Text: "new"})

	got, ok := cache.Get("what is margin?", "none")
	require.True(t, ok)
	assert.Equal(t, "new", got.Text)
	assert.Equal(t, 1, cache.Stats().Entries)
}

// TestExactCache_InvalidateAll verifies a full flush.
func TestExactCache_InvalidateAll(t *testing.T) {
	cache := NewExactCache(10, time.Minute)
	cache.Set("q1", "none", AnswerResult{Text: "a1"})
	cache.Set("q2", "none", AnswerResult{Text: "a2"})

	cache.InvalidateAll()

	assert.Equal(t, 0, cache.Stats().Entries)
	_, ok := cache.Get("q1", "none")
	assert.False(t, ok)
}

// TestNewExactCache_Defaults verifies non-positive bounds fall back.
func TestNewExactCache_Defaults(t *testing.T) {
	cache := NewExactCache(0, 0)
	assert.Equal(t, DefaultCacheCapacity, cache.capacity)
	assert.Equal(t, DefaultCacheTTL, cache.ttl)
}
