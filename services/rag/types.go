// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rag implements the retrieval-augmented answer pipeline:
// query planning, evidence retrieval with reformulation, relevance
// validation, context assembly, caching, and the fact store.
package rag

import "time"

// =============================================================================
// Queries and Answers
// =============================================================================

// Turn is one prior exchange in a conversation, oldest first.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Query is a single question entering the pipeline.
type Query struct {
	Text           string
	ConversationID string
	History        []Turn
}

// Mode describes how an answer was produced. Callers can branch on it
// without parsing the answer text.
type Mode string

const (
	// ModeGrounded means the answer was generated from retrieved evidence.
	ModeGrounded Mode = "grounded"

	// ModeRefusal means no usable evidence survived and the answer is a
	// polite refusal rather than a guess.
	ModeRefusal Mode = "refusal"

	// ModeCanned means a fixed response (greeting, off-topic, redirect)
	// was returned without retrieval or generation.
	ModeCanned Mode = "canned"

	// ModeFact means a stored fact answered the query directly.
	ModeFact Mode = "fact"

	// ModeCached means the answer came from the cache layer.
	ModeCached Mode = "cached"

	// ModeDegraded means a dependency failed or a limit was hit and the
	// answer is a fallback message.
	ModeDegraded Mode = "degraded"
)

// AnswerResult is what the pipeline returns for every query.
type AnswerResult struct {
	Text        string   `json:"text"`
	Mode        Mode     `json:"mode"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// =============================================================================
// Evidence
// =============================================================================

// EvidenceChunk is one retrievable unit of knowledge.
type EvidenceChunk struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Source    string            `json:"source"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScoredEvidence carries a chunk through the query pipeline: cosine
// similarity from vector search, the validator's relevance judgment,
// and the final post-rerank rank. Transient per query, never stored.
type ScoredEvidence struct {
	Chunk EvidenceChunk

	// Score is the retrieval similarity.
	Score float64

	// Relevance is the validator's 0-1 judgment of whether the chunk
	// actually answers the query. Zero until validation runs.
	Relevance float64

	// Rank is 1-based and set by the validator after reranking.
	Rank int
}

// =============================================================================
// Facts
// =============================================================================

// Fact is an operator-curated key/value answer. A strict fact is
// returned verbatim and never passes through generation.
type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Strict    bool      `json:"strict"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// Query Plans
// =============================================================================

// QueryType is the planner's classification of a query. Exactly one
// type is assigned per query; rule order breaks ties.
type QueryType string

const (
	TypeFactLookup        QueryType = "fact_lookup"
	TypeGreeting          QueryType = "greeting"
	TypeConnectivityCheck QueryType = "connectivity_check"
	TypeOffTopic          QueryType = "off_topic"
	TypeRedirect          QueryType = "redirect_to_maintainer"
	TypeCacheThenRetrieve QueryType = "cache_then_retrieve"
)

// QueryPlan is the planner's output. The skip flags let the pipeline
// short-circuit without re-deriving the classification.
type QueryPlan struct {
	Type QueryType

	// SkipRetrieval is true for every plan except cache_then_retrieve.
	SkipRetrieval bool

	// SkipGeneration is true when the answer is fully determined by the
	// plan (canned replies, strict facts, connectivity results).
	SkipGeneration bool

	// CannedKey selects the fixed response for canned plans.
	CannedKey string

	// FactKey is the matched fact store key for fact_lookup plans.
	FactKey string
}
