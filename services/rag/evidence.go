// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var evidenceTracer = otel.Tracer("copilot.rag.evidence")

// EvidenceStore is the vector index the retriever searches.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Rebuild must be
// atomic: searches running while a rebuild commits see either the old
// index or the new one, never a mix.
type EvidenceStore interface {
	// Search returns chunks scoring at or above threshold against the
	// query embedding, best first, at most limit entries.
	Search(ctx context.Context, embedding []float32, limit int, threshold float64) ([]ScoredEvidence, error)

	// Rebuild atomically replaces the index contents. It is idempotent:
	// rebuilding with the same chunks yields an equivalent index. A
	// rebuild requested while another is committing fails with
	// ErrIndexRebuildInProgress.
	Rebuild(ctx context.Context, chunks []EvidenceChunk) error

	// Append adds chunks to the live index without invalidating it.
	Append(ctx context.Context, chunks []EvidenceChunk) error

	// Count returns the number of indexed chunks.
	Count() int

	// Generation increments on every Rebuild. Cache layers key their
	// validity to it.
	Generation() uint64

	// Healthy reports whether the store can serve searches.
	Healthy(ctx context.Context) bool
}

// indexSnapshot is an immutable view of the index. Readers grab the
// pointer once and work off it; Rebuild swaps the pointer.
type indexSnapshot struct {
	chunks []EvidenceChunk
}

// MemoryEvidenceStore is a brute-force cosine index over an immutable
// snapshot slice. It is the default store and the one the test suite
// exercises; the Weaviate-backed store covers larger corpora.
type MemoryEvidenceStore struct {
	mu         sync.RWMutex
	snapshot   atomic.Pointer[indexSnapshot]
	generation atomic.Uint64
	rebuilding atomic.Bool
}

// NewMemoryEvidenceStore returns an empty store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	s := &MemoryEvidenceStore{}
	s.snapshot.Store(&indexSnapshot{})
	return s
}

// Search scans the current snapshot. A rebuild committing mid-search
// does not affect results; the scan runs entirely against the
// snapshot captured at entry.
func (s *MemoryEvidenceStore) Search(ctx context.Context, embedding []float32, limit int, threshold float64) ([]ScoredEvidence, error) {
	_, span := evidenceTracer.Start(ctx, "MemoryEvidenceStore.Search")
	defer span.End()

	snap := s.snapshot.Load()
	span.SetAttributes(
		attribute.Int("index_size", len(snap.chunks)),
		attribute.Int("limit", limit),
		attribute.Float64("threshold", threshold),
	)

	var results []ScoredEvidence
	for _, chunk := range snap.chunks {
		score := cosineSimilarity(embedding, chunk.Embedding)
		if score >= threshold {
			results = append(results, ScoredEvidence{Chunk: chunk, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results, nil
}

// Rebuild swaps in a new snapshot built off to the side. Chunk slices
// are copied so the caller can reuse its input.
func (s *MemoryEvidenceStore) Rebuild(ctx context.Context, chunks []EvidenceChunk) error {
	_, span := evidenceTracer.Start(ctx, "MemoryEvidenceStore.Rebuild")
	defer span.End()

	if !s.rebuilding.CompareAndSwap(false, true) {
		span.RecordError(ErrIndexRebuildInProgress)
		return ErrIndexRebuildInProgress
	}
	defer s.rebuilding.Store(false)

	fresh := make([]EvidenceChunk, len(chunks))
	copy(fresh, chunks)

	s.mu.Lock()
	s.snapshot.Store(&indexSnapshot{chunks: fresh})
	s.generation.Add(1)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("chunk_count", len(fresh)))
	return nil
}

// Append adds chunks without bumping the generation. In-flight
// searches keep their snapshot.
func (s *MemoryEvidenceStore) Append(ctx context.Context, chunks []EvidenceChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot.Load()
	fresh := make([]EvidenceChunk, 0, len(old.chunks)+len(chunks))
	fresh = append(fresh, old.chunks...)
	fresh = append(fresh, chunks...)
	s.snapshot.Store(&indexSnapshot{chunks: fresh})
	return nil
}

// Count returns the indexed chunk count.
func (s *MemoryEvidenceStore) Count() int {
	return len(s.snapshot.Load().chunks)
}

// Generation returns the rebuild counter.
func (s *MemoryEvidenceStore) Generation() uint64 {
	return s.generation.Load()
}

// Healthy always returns true for the in-memory store.
func (s *MemoryEvidenceStore) Healthy(ctx context.Context) bool {
	return true
}

// cosineSimilarity computes the cosine of the angle between two
// vectors. Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ EvidenceStore = (*MemoryEvidenceStore)(nil)
