// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockEmbedder returns canned vectors per normalized query, with call
// tracking. Unknown queries get the fallback vector.
type mockEmbedder struct {
	mu        sync.Mutex
	vectors   map[string][]float32
	fallback  []float32
	err       error
	callCount int
	lastText  string
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{
		vectors:  make(map[string][]float32),
		fallback: []float32{1, 0, 0},
	}
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.lastText = text
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[NormalizeQuery(text)]; ok {
		return v, nil
	}
	return m.fallback, nil
}

func (m *mockEmbedder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// =============================================================================
// SemanticCache Tests
// =============================================================================

// TestSemanticCache_ExactHashFastPath verifies a byte-identical query
// hits without a second embedding call.
func TestSemanticCache_ExactHashFastPath(t *testing.T) {
	embedder := newMockEmbedder()
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)
	ctx := context.Background()

	want := AnswerResult{Text: "use X-Authentication", Mode: ModeGrounded}
	require.NoError(t, cache.Set(ctx, "how do I authenticate?", want))
	callsAfterSet := embedder.calls()

	got, hit, err := cache.Get(ctx, "How do I authenticate?")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, got)
	assert.Equal(t, callsAfterSet, embedder.calls(),
		"exact-hash hit must not embed the query again")
}

// TestSemanticCache_ParaphraseHit verifies a close paraphrase hits
// through the cosine scan.
func TestSemanticCache_ParaphraseHit(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.vectors[NormalizeQuery("how do I authenticate?")] = []float32{1, 0, 0}
	embedder.vectors[NormalizeQuery("how can I authenticate requests?")] = []float32{0.99, 0.01, 0}
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)
	ctx := context.Background()

	want := AnswerResult{Text: "use X-Authentication", Mode: ModeGrounded}
	require.NoError(t, cache.Set(ctx, "how do I authenticate?", want))

	got, hit, err := cache.Get(ctx, "how can I authenticate requests?")
	require.NoError(t, err)
	require.True(t, hit, "a 0.99-cosine paraphrase must hit at 0.95")
	assert.Equal(t, want, got)
}

// TestSemanticCache_BelowThresholdMisses verifies a merely related
// query does not hit.
func TestSemanticCache_BelowThresholdMisses(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.vectors[NormalizeQuery("how do I authenticate?")] = []float32{1, 0, 0}
	embedder.vectors[NormalizeQuery("how do I place an order?")] = []float32{0.5, 0.87, 0}
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "how do I authenticate?", AnswerResult{Text: "auth"}))

	_, hit, err := cache.Get(ctx, "how do I place an order?")
	require.NoError(t, err)
	assert.False(t, hit, "a different question must not reuse the answer")

	stats := cache.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

// TestSemanticCache_EmbeddingFailure verifies the error surfaces as a
// retryable EmbeddingError instead of a silent miss.
func TestSemanticCache_EmbeddingFailure(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.err = errors.New("embedding service unavailable")
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)

	_, hit, err := cache.Get(context.Background(), "how do I authenticate?")
	assert.False(t, hit)
	require.Error(t, err)
	assert.True(t, IsEmbeddingError(err))
	assert.True(t, IsRetryableEmbeddingError(err))
}

// TestSemanticCache_EvictsOldest verifies the oldest entry goes when
// the cache is full.
func TestSemanticCache_EvictsOldest(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.vectors[NormalizeQuery("q one")] = []float32{1, 0, 0}
	embedder.vectors[NormalizeQuery("q two")] = []float32{0, 1, 0}
	embedder.vectors[NormalizeQuery("q three")] = []float32{0, 0, 1}
	cache := NewSemanticCache(embedder, 2, 0.95, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "q one", AnswerResult{Text: "a1"}))
	require.NoError(t, cache.Set(ctx, "q two", AnswerResult{Text: "a2"}))
	require.NoError(t, cache.Set(ctx, "q three", AnswerResult{Text: "a3"}))

	assert.Equal(t, 2, cache.Stats().Entries)

	_, hit, err := cache.Get(ctx, "q one")
	require.NoError(t, err)
	assert.False(t, hit, "the oldest entry must be evicted")

	_, hit, err = cache.Get(ctx, "q three")
	require.NoError(t, err)
	assert.True(t, hit)
}

// TestSemanticCache_OverwriteSameQuery verifies a repeated Set for the
// same query replaces in place.
func TestSemanticCache_OverwriteSameQuery(t *testing.T) {
	embedder := newMockEmbedder()
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "what is margin?", AnswerResult{Text: "old"}))
	require.NoError(t, cache.Set(ctx, "what is margin?", AnswerResult{Text: "new"}))

	got, hit, err := cache.Get(ctx, "what is margin?")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "new", got.Text)
	assert.Equal(t, 1, cache.Stats().Entries)
}

// TestSemanticCache_ExpiredEntryMisses verifies an entry past its TTL
// never hits, on either lookup path, and is purged.
func TestSemanticCache_ExpiredEntryMisses(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.vectors[NormalizeQuery("how do I authenticate?")] = []float32{1, 0, 0}
	embedder.vectors[NormalizeQuery("how can I authenticate requests?")] = []float32{0.99, 0.01, 0}
	cache := NewSemanticCache(embedder, 10, 0.95, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "how do I authenticate?", AnswerResult{Text: "stale"}))
	cache.entries[0].storedAt = time.Now().Add(-25 * time.Hour)

	_, hit, err := cache.Get(ctx, "how do I authenticate?")
	require.NoError(t, err)
	assert.False(t, hit, "an expired entry must not hit by exact hash")

	require.NoError(t, cache.Set(ctx, "how do I authenticate?", AnswerResult{Text: "stale"}))
	cache.entries[0].storedAt = time.Now().Add(-25 * time.Hour)

	_, hit, err = cache.Get(ctx, "how can I authenticate requests?")
	require.NoError(t, err)
	assert.False(t, hit, "an expired entry must not hit through the cosine scan")
	assert.Equal(t, 0, cache.Stats().Entries, "expired entries are purged on lookup")
}

// TestSemanticCache_FreshEntrySurvivesPurge verifies a within-TTL
// entry still hits after the expiry sweep runs.
func TestSemanticCache_FreshEntrySurvivesPurge(t *testing.T) {
	embedder := newMockEmbedder()
	cache := NewSemanticCache(embedder, 10, 0.95, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "what is margin?", AnswerResult{Text: "collateral"}))
	cache.entries[0].storedAt = time.Now().Add(-23 * time.Hour)

	got, hit, err := cache.Get(ctx, "what is margin?")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "collateral", got.Text)
}

// TestSemanticCache_PurgeKeepsHashIndex verifies the swap-delete in
// the expiry sweep leaves surviving entries reachable by hash.
func TestSemanticCache_PurgeKeepsHashIndex(t *testing.T) {
	embedder := newMockEmbedder()
	embedder.vectors[NormalizeQuery("q one")] = []float32{1, 0, 0}
	embedder.vectors[NormalizeQuery("q two")] = []float32{0, 1, 0}
	embedder.vectors[NormalizeQuery("q three")] = []float32{0, 0, 1}
	cache := NewSemanticCache(embedder, 10, 0.95, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "q one", AnswerResult{Text: "a1"}))
	require.NoError(t, cache.Set(ctx, "q two", AnswerResult{Text: "a2"}))
	require.NoError(t, cache.Set(ctx, "q three", AnswerResult{Text: "a3"}))
	cache.entries[0].storedAt = time.Now().Add(-25 * time.Hour)

	got, hit, err := cache.Get(ctx, "q three")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "a3", got.Text)
	assert.Equal(t, 2, cache.Stats().Entries)
}

// TestSemanticCache_InvalidateAll verifies a full flush.
func TestSemanticCache_InvalidateAll(t *testing.T) {
	embedder := newMockEmbedder()
	cache := NewSemanticCache(embedder, 10, 0.95, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "q one", AnswerResult{Text: "a1"}))
	cache.InvalidateAll()

	assert.Equal(t, 0, cache.Stats().Entries)
	_, hit, err := cache.Get(ctx, "q one")
	require.NoError(t, err)
	assert.False(t, hit, "flushed entries must not hit, even by exact hash")
}
