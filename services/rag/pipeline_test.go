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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockFactProvider is an in-memory FactProvider.
type mockFactProvider struct {
	mu    sync.Mutex
	facts map[string]Fact
}

func newMockFactProvider(facts ...Fact) *mockFactProvider {
	m := &mockFactProvider{facts: make(map[string]Fact)}
	for _, f := range facts {
		m.facts[f.Key] = f
	}
	return m
}

func (m *mockFactProvider) Search(question string) (Fact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upper := strings.ToUpper(question)
	best := ""
	for key := range m.facts {
		if strings.Contains(upper, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Fact{}, false
	}
	return m.facts[best], true
}

func (m *mockFactProvider) Get(key string) (Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facts[key]
	if !ok {
		return Fact{}, errors.New("fact not found")
	}
	return f, nil
}

func (m *mockFactProvider) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts, key)
}

// mockConnectivity is a scripted ConnectivityChecker.
type mockConnectivity struct {
	reachable bool
	detail    string
	callCount int
}

func (m *mockConnectivity) Check(ctx context.Context) (bool, string) {
	m.callCount++
	return m.reachable, m.detail
}

// pipelineFixture bundles a pipeline with its mocks so tests can
// assert on call counts.
type pipelineFixture struct {
	pipeline *Pipeline
	embedder *mockEmbedder
	genCalls *int
	facts    *mockFactProvider
	conn     *mockConnectivity
	store    *MemoryEvidenceStore
}

type fixtureOption func(*PipelineDeps)

func withGenerate(fn llm.GenerateFunc) fixtureOption {
	return func(d *PipelineDeps) { d.Generate = fn }
}

func withConfig(cfg PipelineConfig) fixtureOption {
	return func(d *PipelineDeps) { d.Config = cfg }
}

// newFixture builds a pipeline over the in-memory store with one
// indexed auth chunk at [1 0 0]. The default generator echoes a fixed
// answer and counts calls.
func newFixture(t *testing.T, opts ...fixtureOption) *pipelineFixture {
	t.Helper()

	embedder := newMockEmbedder()
	store := seededStore(t, []float32{1, 0, 0})
	facts := newMockFactProvider(
		Fact{Key: "MAINTAINER", Value: "@DecentralizedJM", Strict: true},
	)
	conn := &mockConnectivity{reachable: true, detail: "HTTP 200"}
	generate, genCalls, _ := mockGenerate("Use the X-Authentication header [Source 1].", nil)

	deps := PipelineDeps{
		Planner:      MustNewPlanner(facts),
		Facts:        facts,
		ExactCache:   NewExactCache(100, time.Minute),
		Semantic:     NewSemanticCache(embedder, 100, 0.95, time.Hour),
		Retriever:    NewRetriever(store, embedder, nil, testRetrieverConfig()),
		Validator:    NewValidator(ValidatorConfig{MinScore: 0.30, TopK: 5}, nil),
		Assembler:    NewContextAssembler(),
		Generate:     generate,
		Store:        store,
		Embedder:     embedder,
		Connectivity: conn,
		Config: PipelineConfig{
			RetrievalTimeout:  time.Second,
			GenerationTimeout: time.Second,
			MaxAnswerTokens:   700,
			RateLimit:         rate.Limit(1000),
			RateBurst:         1000,
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	p, err := NewPipeline(deps)
	require.NoError(t, err)
	return &pipelineFixture{
		pipeline: p,
		embedder: embedder,
		genCalls: genCalls,
		facts:    facts,
		conn:     conn,
		store:    store,
	}
}

// =============================================================================
// Short-Circuit Tests
// =============================================================================

// TestAnswer_GreetingIsCanned verifies a greeting returns the canned
// reply without touching the model or the index.
func TestAnswer_GreetingIsCanned(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Answer(context.Background(), "hello!", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeCanned, result.Mode)
	assert.Equal(t, CannedResponses["greeting"], result.Text)
	assert.Equal(t, 0, *f.genCalls, "greetings must not reach generation")
	assert.Equal(t, 0, f.embedder.calls(), "greetings must not reach retrieval")
}

// TestAnswer_OffTopicIsCanned verifies off-topic queries get the
// canned redirect to relevant topics.
func TestAnswer_OffTopicIsCanned(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Answer(context.Background(), "What's for lunch?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeCanned, result.Mode)
	assert.Equal(t, CannedResponses["off_topic"], result.Text)
	assert.Equal(t, 0, *f.genCalls)
	assert.Equal(t, 0, f.embedder.calls())
}

// TestAnswer_StrictFactVerbatim verifies a strict fact is returned
// byte for byte with no model involvement.
func TestAnswer_StrictFactVerbatim(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Answer(context.Background(), "who is the maintainer?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeFact, result.Mode)
	assert.Equal(t, "@DecentralizedJM", result.Text)
	assert.Equal(t, 0, *f.genCalls, "strict facts never pass through generation")
	assert.Equal(t, 0, f.embedder.calls())
}

// TestAnswer_NonStrictFactRephrased verifies a non-strict fact is
// rephrased by the model.
func TestAnswer_NonStrictFactRephrased(t *testing.T) {
	f := newFixture(t)
	f.facts.facts["TESTNET"] = Fact{Key: "TESTNET", Value: "There is no testnet.", Strict: false}

	result, err := f.pipeline.Answer(context.Background(), "is there a testnet?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeFact, result.Mode)
	assert.Equal(t, 1, *f.genCalls, "non-strict facts are rephrased")
	assert.Equal(t, 0, f.embedder.calls(), "fact answers skip retrieval")
}

// TestAnswer_NonStrictFactFallsBackOnModelFailure verifies the stored
// value is returned verbatim when rephrasing fails.
func TestAnswer_NonStrictFactFallsBackOnModelFailure(t *testing.T) {
	generate, _, _ := mockGenerate("", errors.New("model down"))
	f := newFixture(t, withGenerate(generate))
	f.facts.facts["TESTNET"] = Fact{Key: "TESTNET", Value: "There is no testnet.", Strict: false}

	result, err := f.pipeline.Answer(context.Background(), "is there a testnet?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeFact, result.Mode)
	assert.Equal(t, "There is no testnet.", result.Text)
}

// vanishingFactProvider matches on Search but fails Get, standing in
// for a fact deleted between planning and lookup.
type vanishingFactProvider struct {
	fact Fact
}

func (v *vanishingFactProvider) Search(question string) (Fact, bool) {
	if strings.Contains(strings.ToUpper(question), v.fact.Key) {
		return v.fact, true
	}
	return Fact{}, false
}

func (v *vanishingFactProvider) Get(key string) (Fact, error) {
	return Fact{}, errors.New("fact not found")
}

// TestAnswer_DeletedFactFallsThrough verifies a fact deleted between
// planning and lookup lands on the retrieval path instead of erroring.
func TestAnswer_DeletedFactFallsThrough(t *testing.T) {
	vanishing := &vanishingFactProvider{
		fact: Fact{Key: "AUTH", Value: "gone", Strict: true},
	}
	embedder := newMockEmbedder()
	store := seededStore(t, []float32{1, 0, 0})
	generate, genCalls, _ := mockGenerate("grounded answer [Source 1]", nil)

	p, err := NewPipeline(PipelineDeps{
		Planner:    MustNewPlanner(vanishing),
		Facts:      vanishing,
		ExactCache: NewExactCache(100, time.Minute),
		Semantic:   NewSemanticCache(embedder, 100, 0.95, time.Hour),
		Retriever:  NewRetriever(store, embedder, nil, testRetrieverConfig()),
		Validator:  NewValidator(ValidatorConfig{MinScore: 0.30, TopK: 5}, nil),
		Assembler:  NewContextAssembler(),
		Generate:   generate,
		Store:      store,
		Embedder:   embedder,
		Config: PipelineConfig{
			RetrievalTimeout:  time.Second,
			GenerationTimeout: time.Second,
			RateLimit:         rate.Limit(1000),
			RateBurst:         1000,
		},
	})
	require.NoError(t, err)

	result, err := p.Answer(context.Background(), "how does auth work?", "conv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeGrounded, result.Mode, "the query must fall through to retrieval")
	assert.Equal(t, 1, *genCalls)
}

// TestAnswer_Connectivity verifies the live probe path.
func TestAnswer_Connectivity(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Answer(context.Background(), "is the api up?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeCanned, result.Mode)
	assert.Contains(t, result.Text, "reachable")
	assert.Contains(t, result.Text, "HTTP 200")
	assert.Equal(t, 1, f.conn.callCount)
	assert.Equal(t, 0, *f.genCalls)
}

// TestAnswer_ConnectivityDown verifies the probe reports outages.
func TestAnswer_ConnectivityDown(t *testing.T) {
	f := newFixture(t)
	f.conn.reachable = false
	f.conn.detail = "connection refused"

	result, err := f.pipeline.Answer(context.Background(), "is the api down?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeCanned, result.Mode)
	assert.Contains(t, result.Text, "unreachable")
	assert.Contains(t, result.Text, "connection refused")
}

// =============================================================================
// Retrieval Path Tests
// =============================================================================

// TestAnswer_GroundedWithEvidence verifies the full path produces a
// grounded answer carrying evidence IDs.
func TestAnswer_GroundedWithEvidence(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeGrounded, result.Mode)
	assert.Equal(t, []string{"c1"}, result.EvidenceIDs)
	assert.Contains(t, result.Text, "X-Authentication")
	assert.Equal(t, 1, *f.genCalls)
}

// TestAnswer_RefusalWithoutEvidence verifies an unanswerable question
// becomes a refusal, not a hallucination.
func TestAnswer_RefusalWithoutEvidence(t *testing.T) {
	f := newFixture(t)
	f.embedder.fallback = []float32{0, 1, 0} // orthogonal to every chunk

	result, err := f.pipeline.Answer(context.Background(), "what is the quux endpoint?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeRefusal, result.Mode)
	assert.Empty(t, result.EvidenceIDs)
	assert.Equal(t, 1, *f.genCalls, "the refusal wording still comes from the model")
}

// TestAnswer_SecondCallIsCached verifies the write-back: an identical
// repeat comes from the exact cache without model or index work.
func TestAnswer_SecondCallIsCached(t *testing.T) {
	f := newFixture(t)

	first, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)
	require.Equal(t, ModeGrounded, first.Mode)
	embedsAfterFirst := f.embedder.calls()

	second, err := f.pipeline.Answer(context.Background(), "How do I authenticate?!", "conv-2", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeCached, second.Mode)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.EvidenceIDs, second.EvidenceIDs)
	assert.Equal(t, 1, *f.genCalls, "cached answers must not regenerate")
	assert.Equal(t, embedsAfterFirst, f.embedder.calls(), "exact hits skip embedding")
}

// TestAnswer_RefusalsAreNotCached verifies refusals are recomputed
// every time.
func TestAnswer_RefusalsAreNotCached(t *testing.T) {
	f := newFixture(t)
	f.embedder.fallback = []float32{0, 1, 0}

	_, err := f.pipeline.Answer(context.Background(), "what is the quux endpoint?", "conv-1", nil)
	require.NoError(t, err)
	_, err = f.pipeline.Answer(context.Background(), "what is the quux endpoint?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, *f.genCalls, "refusals must not be served from cache")
}

// TestAnswer_HistoryChangesCacheSlot verifies the same question under
// different history misses the exact tier.
func TestAnswer_HistoryChangesCacheSlot(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)

	history := []Turn{{Role: "user", Content: "I'm using python"}}
	second, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", history)
	require.NoError(t, err)

	// The semantic tier may still catch it; what matters is the exact
	// tier did not serve a context-blind answer. With an identical
	// normalized query the semantic exact-hash path hits.
	assert.Equal(t, ModeCached, second.Mode)
}

// =============================================================================
// Degradation Tests
// =============================================================================

// TestAnswer_GenerationFailureDegrades verifies a model outage on the
// grounded path produces a degraded answer, not an error.
func TestAnswer_GenerationFailureDegrades(t *testing.T) {
	generate, _, _ := mockGenerate("", errors.New("model down"))
	f := newFixture(t, withGenerate(generate))

	result, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err, "dependency failures must not surface as errors")

	assert.Equal(t, ModeDegraded, result.Mode)
	assert.Contains(t, result.Text, "trouble reaching")
}

// TestAnswer_GenerationFailureOnRefusalPath verifies the static
// refusal fallback when the model cannot even phrase the refusal.
func TestAnswer_GenerationFailureOnRefusalPath(t *testing.T) {
	generate, _, _ := mockGenerate("", errors.New("model down"))
	f := newFixture(t, withGenerate(generate))
	f.embedder.fallback = []float32{0, 1, 0}

	result, err := f.pipeline.Answer(context.Background(), "what is the quux endpoint?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeRefusal, result.Mode)
	assert.Equal(t, refusalFallbackText, result.Text)
}

// TestAnswer_EmbeddingFailureDegrades verifies an embedding outage
// degrades before retrieval ever runs.
func TestAnswer_EmbeddingFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("embedding service down")

	result, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeDegraded, result.Mode)
	assert.Equal(t, 0, *f.genCalls, "no generation on a degraded path")
}

// TestAnswer_GenerationTimeoutDegrades verifies the per-stage deadline
// converts a hung model into a degraded answer.
func TestAnswer_GenerationTimeoutDegrades(t *testing.T) {
	hung := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f := newFixture(t, withGenerate(hung), withConfig(PipelineConfig{
		RetrievalTimeout:  time.Second,
		GenerationTimeout: 20 * time.Millisecond,
		MaxAnswerTokens:   700,
		RateLimit:         rate.Limit(1000),
		RateBurst:         1000,
	}))

	result, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeDegraded, result.Mode)
	assert.Equal(t, degradedTimeoutText, result.Text)
}

// TestAnswer_CancellationReturnsError verifies caller cancellation is
// the one case that surfaces as an error.
func TestAnswer_CancellationReturnsError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Answer(ctx, "how do I authenticate?", "conv-1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestAnswer_RateLimited verifies the per-conversation limiter and
// that other conversations are unaffected.
func TestAnswer_RateLimited(t *testing.T) {
	f := newFixture(t, withConfig(PipelineConfig{
		RetrievalTimeout:  time.Second,
		GenerationTimeout: time.Second,
		MaxAnswerTokens:   700,
		RateLimit:         rate.Limit(0.001),
		RateBurst:         1,
	}))

	first, err := f.pipeline.Answer(context.Background(), "hello", "conv-a", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeCanned, first.Mode)

	second, err := f.pipeline.Answer(context.Background(), "hello", "conv-a", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, second.Mode)
	assert.Equal(t, rateLimitedText, second.Text)

	other, err := f.pipeline.Answer(context.Background(), "hello", "conv-b", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeCanned, other.Mode, "limits are per conversation")
}

// =============================================================================
// Index Lifecycle Tests
// =============================================================================

// TestRebuildIndex_InvalidatesCaches verifies cached answers do not
// survive a reindex.
func TestRebuildIndex_InvalidatesCaches(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, *f.genCalls)

	err = f.pipeline.RebuildIndex(context.Background(), []EvidenceChunk{
		{ID: "c1", Text: "auth docs v2", Source: "docs/auth.md", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	exact, semantic := f.pipeline.CacheStats()
	assert.Equal(t, 0, exact.Entries)
	assert.Equal(t, 0, semantic.Entries)

	result, err := f.pipeline.Answer(context.Background(), "how do I authenticate?", "conv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeGrounded, result.Mode, "post-rebuild answers are recomputed")
	assert.Equal(t, 2, *f.genCalls)
}

// TestRebuildIndex_EmbedsMissingVectors verifies chunks arriving
// without embeddings get them before indexing.
func TestRebuildIndex_EmbedsMissingVectors(t *testing.T) {
	f := newFixture(t)

	err := f.pipeline.RebuildIndex(context.Background(), []EvidenceChunk{
		{ID: "raw", Text: "fees are 0.05%", Source: "docs/fees.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.embedder.calls())
	assert.Equal(t, 1, f.pipeline.EvidenceCount())
}

// TestRebuildIndex_EmbedFailureAborts verifies the old index survives
// a failed rebuild.
func TestRebuildIndex_EmbedFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("embedding service down")

	err := f.pipeline.RebuildIndex(context.Background(), []EvidenceChunk{
		{ID: "raw", Text: "fees are 0.05%", Source: "docs/fees.md"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, f.pipeline.EvidenceCount(), "the previous index must survive")
}

// TestLearnText_AppendsParagraphs verifies paragraph chunking and the
// short-paragraph filter.
func TestLearnText_AppendsParagraphs(t *testing.T) {
	f := newFixture(t)

	text := "The funding rate is charged every eight hours.\n\n" +
		"too short\n\n" +
		"Liquidation happens when margin falls below maintenance requirements."
	added, err := f.pipeline.LearnText(context.Background(), "admin", text)
	require.NoError(t, err)

	assert.Equal(t, 2, added)
	assert.Equal(t, 3, f.pipeline.EvidenceCount(), "seed chunk plus two learned")
}

// TestLearnText_EmptyInput verifies nothing is indexed for blank or
// all-short input.
func TestLearnText_EmptyInput(t *testing.T) {
	f := newFixture(t)

	added, err := f.pipeline.LearnText(context.Background(), "admin", "hi\n\nok")
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, f.pipeline.EvidenceCount())
}

// =============================================================================
// Construction Tests
// =============================================================================

// TestNewPipeline_RequiresDeps verifies missing required dependencies
// are rejected at construction.
func TestNewPipeline_RequiresDeps(t *testing.T) {
	_, err := NewPipeline(PipelineDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner")
}
