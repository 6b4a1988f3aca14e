// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var weaviateTracer = otel.Tracer("copilot.rag.weaviate")

// evidenceClassName is the Weaviate class holding evidence chunks.
const evidenceClassName = "EvidenceChunk"

// WeaviateEvidenceStore is the EvidenceStore for corpora too large
// for the in-memory store. Snapshot semantics come from a generation
// property: every object carries the generation it was written under,
// searches filter on the active generation, and Rebuild writes the
// next generation before flipping the active one and deleting the
// old objects. A search started before the flip keeps matching the
// old generation's objects until they are deleted.
type WeaviateEvidenceStore struct {
	client     *weaviate.Client
	generation atomic.Uint64
	count      atomic.Int64
	rebuildMu  sync.Mutex
	rebuilding atomic.Bool
	logger     *slog.Logger
}

// NewWeaviateEvidenceStore wraps an existing client. The caller owns
// schema creation for the EvidenceChunk class.
func NewWeaviateEvidenceStore(client *weaviate.Client) *WeaviateEvidenceStore {
	return &WeaviateEvidenceStore{
		client: client,
		logger: slog.With("component", "weaviate_store"),
	}
}

// Search runs a nearVector query filtered to the active generation.
// Weaviate reports certainty in [0,1]; scores are mapped back to
// cosine similarity before the threshold check.
func (s *WeaviateEvidenceStore) Search(ctx context.Context, embedding []float32, limit int, threshold float64) ([]ScoredEvidence, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateEvidenceStore.Search")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	certainty := float32((threshold + 1) / 2)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(embedding).
		WithCertainty(certainty)

	generationFilter := filters.Where().
		WithPath([]string{"generation"}).
		WithOperator(filters.Equal).
		WithValueString(s.generationTag())

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(evidenceClassName).
		WithFields(fields...).
		WithWhere(generationFilter).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
		span.RecordError(err)
		return nil, err
	}

	parsed := parseEvidenceResults(result)
	span.SetAttributes(attribute.Int("result_count", len(parsed)))
	return parsed, nil
}

// Rebuild writes the next generation, flips the active tag, then
// deletes the previous generation's objects.
func (s *WeaviateEvidenceStore) Rebuild(ctx context.Context, chunks []EvidenceChunk) error {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateEvidenceStore.Rebuild")
	defer span.End()

	if !s.rebuilding.CompareAndSwap(false, true) {
		span.RecordError(ErrIndexRebuildInProgress)
		return ErrIndexRebuildInProgress
	}
	defer s.rebuilding.Store(false)
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	oldGen := s.generation.Load()
	newGen := oldGen + 1

	if err := s.insertBatch(ctx, chunks, generationTag(newGen)); err != nil {
		// Orphaned objects of the failed generation are invisible to
		// searches and removed by the next successful rebuild.
		span.RecordError(err)
		return err
	}

	s.generation.Store(newGen)
	s.count.Store(int64(len(chunks)))

	if err := s.deleteGeneration(ctx, generationTag(oldGen)); err != nil {
		s.logger.Warn("failed to delete previous index generation",
			"generation", oldGen, "error", err)
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return nil
}

// Append adds chunks under the active generation.
func (s *WeaviateEvidenceStore) Append(ctx context.Context, chunks []EvidenceChunk) error {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateEvidenceStore.Append")
	defer span.End()

	if err := s.insertBatch(ctx, chunks, s.generationTag()); err != nil {
		span.RecordError(err)
		return err
	}
	s.count.Add(int64(len(chunks)))
	return nil
}

// Count returns the chunk count tracked across Rebuild and Append.
func (s *WeaviateEvidenceStore) Count() int {
	return int(s.count.Load())
}

// Generation returns the rebuild counter.
func (s *WeaviateEvidenceStore) Generation() uint64 {
	return s.generation.Load()
}

// Healthy asks Weaviate's readiness endpoint.
func (s *WeaviateEvidenceStore) Healthy(ctx context.Context) bool {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	return err == nil && ready
}

// insertBatch writes chunks with their vectors under a generation tag.
func (s *WeaviateEvidenceStore) insertBatch(ctx context.Context, chunks []EvidenceChunk, genTag string) error {
	if len(chunks) == 0 {
		return nil
	}
	objects := make([]*models.Object, 0, len(chunks))
	for _, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.New().String()
		}
		objects = append(objects, &models.Object{
			Class: evidenceClassName,
			Properties: map[string]any{
				"chunk_id":   id,
				"content":    chunk.Text,
				"source":     chunk.Source,
				"generation": genTag,
			},
			Vector: chunk.Embedding,
		})
	}
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch insert failed: %w", err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate batch insert error: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// deleteGeneration removes every object tagged with genTag.
func (s *WeaviateEvidenceStore) deleteGeneration(ctx context.Context, genTag string) error {
	where := filters.Where().
		WithPath([]string{"generation"}).
		WithOperator(filters.Equal).
		WithValueString(genTag)
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(evidenceClassName).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch delete failed: %w", err)
	}
	return nil
}

// generationTag renders the active generation as the stored string.
func (s *WeaviateEvidenceStore) generationTag() string {
	return generationTag(s.generation.Load())
}

func generationTag(gen uint64) string {
	return "gen-" + strconv.FormatUint(gen, 10)
}

// parseEvidenceResults walks the GraphQL response shape.
func parseEvidenceResults(result *models.GraphQLResponse) []ScoredEvidence {
	var out []ScoredEvidence
	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return out
	}
	items, ok := get[evidenceClassName].([]any)
	if !ok {
		return out
	}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		chunk := EvidenceChunk{}
		if v, ok := item["chunk_id"].(string); ok {
			chunk.ID = v
		}
		if v, ok := item["content"].(string); ok {
			chunk.Text = v
		}
		if v, ok := item["source"].(string); ok {
			chunk.Source = v
		}
		score := 0.0
		if additional, ok := item["_additional"].(map[string]any); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				// certainty = (1 + cosine) / 2
				score = certainty*2 - 1
			}
		}
		out = append(out, ScoredEvidence{Chunk: chunk, Score: score})
	}
	return out
}

var _ EvidenceStore = (*WeaviateEvidenceStore)(nil)
