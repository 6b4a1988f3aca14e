// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/facts"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// =============================================================================
// Test Helpers
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	vector []float32
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector, nil
}

// newTestPipeline builds a pipeline over one indexed auth chunk with a
// generator that always answers the same grounded sentence.
func newTestPipeline(t *testing.T) (*rag.Pipeline, *rag.MemoryEvidenceStore, *facts.Store) {
	t.Helper()

	embedder := &fixedEmbedder{vector: []float32{1, 0, 0}}
	store := rag.NewMemoryEvidenceStore()
	err := store.Rebuild(context.Background(), []rag.EvidenceChunk{
		{ID: "c1", Text: "auth uses the X-Authentication header", Source: "docs/auth.md", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	factStore, err := facts.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = factStore.Close() })

	generate := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "Use the X-Authentication header [Source 1].", nil
	}

	pipeline, err := rag.NewPipeline(rag.PipelineDeps{
		Planner:    rag.MustNewPlanner(factStore),
		Facts:      factStore,
		ExactCache: rag.NewExactCache(100, time.Minute),
		Semantic:   rag.NewSemanticCache(embedder, 100, 0.95, time.Hour),
		Retriever: rag.NewRetriever(store, embedder, nil, rag.RetrieverConfig{
			PrimaryThreshold:  0.55,
			ContextThreshold:  0.45,
			MaxReformulations: 2,
			SearchLimit:       10,
		}),
		Validator: rag.NewValidator(rag.ValidatorConfig{MinScore: 0.30, TopK: 5}, nil),
		Assembler: rag.NewContextAssembler(),
		Generate:  generate,
		Store:     store,
		Embedder:  embedder,
		Config: rag.PipelineConfig{
			RetrievalTimeout:  time.Second,
			GenerationTimeout: time.Second,
			MaxAnswerTokens:   700,
			RateLimit:         rate.Limit(1000),
			RateBurst:         1000,
		},
	})
	require.NoError(t, err)
	return pipeline, store, factStore
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// =============================================================================
// Answer Handler Tests
// =============================================================================

// TestHandleAnswer verifies the happy path and the minted
// conversation ID.
func TestHandleAnswer(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/answer", HandleAnswer(pipeline))

	w := doJSON(t, router, http.MethodPost, "/answer", gin.H{"query": "how do I authenticate?"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "grounded", body["mode"])
	assert.Contains(t, body["text"], "X-Authentication")
	assert.NotEmpty(t, body["conversation_id"], "a conversation ID is minted when absent")
}

// TestHandleAnswer_KeepsConversationID verifies a provided ID is
// echoed back.
func TestHandleAnswer_KeepsConversationID(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/answer", HandleAnswer(pipeline))

	w := doJSON(t, router, http.MethodPost, "/answer", gin.H{
		"query":           "hello",
		"conversation_id": "conv-42",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conv-42", decodeBody(t, w)["conversation_id"])
}

// TestHandleAnswer_BadRequests verifies 400s for malformed and
// invalid bodies.
func TestHandleAnswer_BadRequests(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/answer", HandleAnswer(pipeline))

	w := doJSON(t, router, http.MethodPost, "/answer", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing query")

	req := httptest.NewRequest(http.MethodPost, "/answer", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed JSON")
}

// =============================================================================
// Index Handler Tests
// =============================================================================

// TestHandleRebuildIndex verifies the rebuild roundtrip.
func TestHandleRebuildIndex(t *testing.T) {
	pipeline, store, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/rebuild", HandleRebuildIndex(pipeline))

	w := doJSON(t, router, http.MethodPost, "/rebuild", gin.H{
		"chunks": []gin.H{
			{"id": "n1", "text": "orders docs", "source": "docs/orders.md"},
			{"id": "n2", "text": "fees docs", "source": "docs/fees.md"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "rebuilt", body["status"])
	assert.Equal(t, float64(2), body["chunks"])
	assert.Equal(t, 2, store.Count())
	assert.Equal(t, uint64(2), store.Generation())
}

// TestHandleRebuildIndex_BadRequest verifies chunk validation.
func TestHandleRebuildIndex_BadRequest(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/rebuild", HandleRebuildIndex(pipeline))

	w := doJSON(t, router, http.MethodPost, "/rebuild", gin.H{
		"chunks": []gin.H{{"text": "no source"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandleLearnText verifies ingestion reports the appended count.
func TestHandleLearnText(t *testing.T) {
	pipeline, store, _ := newTestPipeline(t)
	router := gin.New()
	router.POST("/learn", HandleLearnText(pipeline))

	w := doJSON(t, router, http.MethodPost, "/learn", gin.H{
		"source": "admin",
		"text":   "The funding rate is charged every eight hours without exception.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "learned", body["status"])
	assert.Equal(t, float64(1), body["chunks"])
	assert.Equal(t, 2, store.Count())
}

// =============================================================================
// Fact Handler Tests
// =============================================================================

// TestFactHandlers verifies the set, get, list, delete cycle.
func TestFactHandlers(t *testing.T) {
	_, _, factStore := newTestPipeline(t)
	router := gin.New()
	router.PUT("/facts", HandleSetFact(factStore))
	router.GET("/facts", HandleListFacts(factStore))
	router.GET("/facts/:key", HandleGetFact(factStore))
	router.DELETE("/facts/:key", HandleDeleteFact(factStore))

	w := doJSON(t, router, http.MethodPut, "/facts", gin.H{
		"key": "maintainer", "value": "@DecentralizedJM", "strict": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/facts/MAINTAINER", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody(t, w)
	assert.Equal(t, "MAINTAINER", got["key"])
	assert.Equal(t, "@DecentralizedJM", got["value"])
	assert.Equal(t, true, got["strict"])

	w = doJSON(t, router, http.MethodGet, "/facts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = doJSON(t, router, http.MethodDelete, "/facts/maintainer", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/facts/MAINTAINER", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestHandleSetFact_BadRequest verifies validation failures.
func TestHandleSetFact_BadRequest(t *testing.T) {
	_, _, factStore := newTestPipeline(t)
	router := gin.New()
	router.PUT("/facts", HandleSetFact(factStore))

	w := doJSON(t, router, http.MethodPut, "/facts", gin.H{"value": "no key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Tool Handler Tests
// =============================================================================

// TestHandleToolCall_Denial verifies a policy denial is a 200 with
// permitted=false.
func TestHandleToolCall_Denial(t *testing.T) {
	gw, err := gateway.New(nil)
	require.NoError(t, err)
	router := gin.New()
	router.POST("/tools/call", HandleToolCall(gw))

	w := doJSON(t, router, http.MethodPost, "/tools/call", gin.H{"name": "place_order"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, false, body["permitted"])
	assert.Contains(t, body["message"], "blocked for safety")
}

// TestHandleToolCall_Permitted verifies a permitted capability
// reaches the injected caller.
func TestHandleToolCall_Permitted(t *testing.T) {
	called := 0
	gw, err := gateway.New(func(ctx context.Context, req gateway.ToolCallRequest) (any, error) {
		called++
		return gin.H{"futures": []string{"BTCUSDT"}}, nil
	})
	require.NoError(t, err)
	router := gin.New()
	router.POST("/tools/call", HandleToolCall(gw))

	w := doJSON(t, router, http.MethodPost, "/tools/call", gin.H{"name": "list_futures"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["permitted"])
	assert.Equal(t, 1, called)
}

// TestHandleListTools verifies only read-only capabilities are
// advertised.
func TestHandleListTools(t *testing.T) {
	gw, err := gateway.New(nil)
	require.NoError(t, err)
	router := gin.New()
	router.GET("/tools", HandleListTools(gw))

	w := doJSON(t, router, http.MethodGet, "/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	capabilities, ok := body["capabilities"].([]any)
	require.True(t, ok)
	for _, c := range capabilities {
		entry := c.(map[string]any)
		assert.Equal(t, "read_only", entry["access"])
	}
}

// =============================================================================
// Health Handler Tests
// =============================================================================

// TestHandleHealth verifies the healthy report shape.
func TestHandleHealth(t *testing.T) {
	pipeline, store, _ := newTestPipeline(t)
	router := gin.New()
	router.GET("/health", HandleHealth(pipeline, store))

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	evidence := body["evidence"].(map[string]any)
	assert.Equal(t, float64(1), evidence["chunks"])
}
