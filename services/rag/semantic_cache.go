// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
)

var semanticCacheTracer = otel.Tracer("copilot.rag.semantic_cache")

// Semantic tier defaults. The similarity bar is deliberately high:
// a near-duplicate question may deserve a different answer, so only
// close paraphrases hit.
const (
	// DefaultSemanticSimilarity is the minimum cosine similarity for a
	// semantic cache hit.
	DefaultSemanticSimilarity = 0.95

	// DefaultSemanticCapacity bounds the number of cached queries.
	DefaultSemanticCapacity = 1000

	// DefaultSemanticTTL is how long an entry stays valid, mirroring
	// the exact tier.
	DefaultSemanticTTL = 24 * time.Hour
)

// semanticEntry is one cached query with its embedding.
type semanticEntry struct {
	query     string
	queryHash string
	embedding []float32
	result    AnswerResult
	storedAt  time.Time
}

// SemanticCache answers paraphrases of previously answered queries.
// Lookup embeds the incoming query, tries an exact-hash fast path,
// then scans stored embeddings for a cosine match at or above the
// similarity threshold. Entries past their TTL never hit; they are
// purged at the start of every lookup, before either path runs.
//
// Embedding calls for identical normalized queries are deduplicated
// through a singleflight group.
//
// # Thread Safety
//
// Safe for concurrent use.
type SemanticCache struct {
	mu         sync.RWMutex
	entries    []semanticEntry
	byHash     map[string]int // queryHash -> index into entries
	capacity   int
	similarity float64
	ttl        time.Duration
	embedder   llm.Embedder
	flight     singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSemanticCache creates a semantic tier over the given embedder.
// Non-positive capacity, similarity, or ttl fall back to the defaults.
func NewSemanticCache(embedder llm.Embedder, capacity int, similarity float64, ttl time.Duration) *SemanticCache {
	if capacity <= 0 {
		capacity = DefaultSemanticCapacity
	}
	if similarity <= 0 {
		similarity = DefaultSemanticSimilarity
	}
	if ttl <= 0 {
		ttl = DefaultSemanticTTL
	}
	return &SemanticCache{
		byHash:     make(map[string]int),
		capacity:   capacity,
		similarity: similarity,
		ttl:        ttl,
		embedder:   embedder,
	}
}

// Get returns a cached answer for a close paraphrase of queryText.
// Embedding failures are returned as EmbeddingError so the pipeline
// can degrade instead of silently skipping the tier.
func (c *SemanticCache) Get(ctx context.Context, queryText string) (AnswerResult, bool, error) {
	ctx, span := semanticCacheTracer.Start(ctx, "SemanticCache.Get")
	defer span.End()

	qhash := QueryHash(queryText)

	// Drop expired entries up front so neither path can return one.
	c.purgeExpired(time.Now())

	// Exact-hash fast path skips the embedding call entirely.
	c.mu.RLock()
	if idx, ok := c.byHash[qhash]; ok {
		result := c.entries[idx].result
		c.mu.RUnlock()
		c.hits.Add(1)
		span.SetAttributes(attribute.String("hit_type", "exact_hash"))
		return result, true, nil
	}
	c.mu.RUnlock()

	embedding, err := c.embed(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		return AnswerResult{}, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	bestScore := 0.0
	bestIdx := -1
	for i := range c.entries {
		score := cosineSimilarity(embedding, c.entries[i].embedding)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx >= 0 && bestScore >= c.similarity {
		c.hits.Add(1)
		span.SetAttributes(
			attribute.String("hit_type", "semantic"),
			attribute.Float64("similarity", bestScore),
		)
		return c.entries[bestIdx].result, true, nil
	}
	c.misses.Add(1)
	span.SetAttributes(attribute.Bool("hit", false))
	return AnswerResult{}, false, nil
}

// Set stores an answer under the query's embedding. When full, the
// oldest entry is evicted. Embedding failures drop the write; the
// answer was already produced, so losing the cache slot is harmless.
func (c *SemanticCache) Set(ctx context.Context, queryText string, result AnswerResult) error {
	ctx, span := semanticCacheTracer.Start(ctx, "SemanticCache.Set")
	defer span.End()

	embedding, err := c.embed(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		return err
	}

	qhash := QueryHash(queryText)
	entry := semanticEntry{
		query:     NormalizeQuery(queryText),
		queryHash: qhash,
		embedding: embedding,
		result:    result,
		storedAt:  time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.byHash[qhash]; ok {
		c.entries[idx] = entry
		return nil
	}
	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries = append(c.entries, entry)
	c.byHash[qhash] = len(c.entries) - 1
	return nil
}

// InvalidateAll drops every entry. Called after an index rebuild;
// answers derived from the old index must not survive it.
func (c *SemanticCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.byHash = make(map[string]int)
}

// Stats returns hit/miss counters and the current entry count.
func (c *SemanticCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// embed runs the embedder through singleflight keyed on the
// normalized query.
func (c *SemanticCache) embed(ctx context.Context, queryText string) ([]float32, error) {
	key := NormalizeQuery(queryText)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		embedding, err := c.embedder.Embed(ctx, queryText)
		if err != nil {
			return nil, &EmbeddingError{Message: err.Error(), Retryable: true}
		}
		return embedding, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// purgeExpired removes every entry older than the TTL.
func (c *SemanticCache) purgeExpired(now time.Time) {
	cutoff := now.Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < len(c.entries); {
		if c.entries[i].storedAt.Before(cutoff) {
			c.removeLocked(i)
			continue
		}
		i++
	}
}

// evictOldestLocked removes the entry with the earliest storedAt.
// Caller holds the write lock.
func (c *SemanticCache) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	oldest := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].storedAt.Before(c.entries[oldest].storedAt) {
			oldest = i
		}
	}
	c.removeLocked(oldest)
}

// removeLocked drops entry i with a swap-delete and keeps the hash
// index consistent. Caller holds the write lock.
func (c *SemanticCache) removeLocked(i int) {
	last := len(c.entries) - 1
	delete(c.byHash, c.entries[i].queryHash)
	if i != last {
		c.entries[i] = c.entries[last]
		c.byHash[c.entries[i].queryHash] = i
	}
	c.entries = c.entries[:last]
}
