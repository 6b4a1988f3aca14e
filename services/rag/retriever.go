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
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
)

var retrieverTracer = otel.Tracer("copilot.rag.retriever")

// RetrieverConfig tunes the retrieval ladder.
type RetrieverConfig struct {
	// PrimaryThreshold is the similarity bar for the first search and
	// the reformulation searches.
	PrimaryThreshold float64

	// ContextThreshold is the lowered bar for the last-resort search.
	ContextThreshold float64

	// MaxReformulations caps the number of distinct LLM rewrites tried
	// after an empty primary search.
	MaxReformulations int

	// SearchLimit is the per-search result cap.
	SearchLimit int
}

// DefaultRetrieverConfig returns the standard ladder, overridable via
// RETRIEVAL_PRIMARY_THRESHOLD, RETRIEVAL_CONTEXT_THRESHOLD, and
// RETRIEVAL_MAX_REFORMULATIONS.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		PrimaryThreshold:  getEnvFloat("RETRIEVAL_PRIMARY_THRESHOLD", 0.55),
		ContextThreshold:  getEnvFloat("RETRIEVAL_CONTEXT_THRESHOLD", 0.45),
		MaxReformulations: getEnvInt("RETRIEVAL_MAX_REFORMULATIONS", 2),
		SearchLimit:       getEnvInt("RETRIEVAL_SEARCH_LIMIT", 10),
	}
}

// Retriever walks the retrieval ladder for a query:
//
//  1. Search at PrimaryThreshold.
//  2. If empty, up to MaxReformulations distinct LLM rewrites, each
//     searched at PrimaryThreshold. Duplicate rewrites are skipped.
//  3. If still empty, one search at ContextThreshold.
//
// An empty final result is not an error; the caller moves to refusal
// mode.
type Retriever struct {
	store    EvidenceStore
	embedder llm.Embedder
	generate llm.GenerateFunc
	config   RetrieverConfig
	logger   *slog.Logger
}

// NewRetriever wires the ladder. generate may be nil, which disables
// the reformulation rung.
func NewRetriever(store EvidenceStore, embedder llm.Embedder, generate llm.GenerateFunc, config RetrieverConfig) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		generate: generate,
		config:   config,
		logger:   slog.With("component", "retriever"),
	}
}

// Retrieve runs the ladder for queryText and returns scored evidence,
// best first. An empty result is valid; callers decide refusal from
// len() == 0.
func (r *Retriever) Retrieve(ctx context.Context, queryText string) ([]ScoredEvidence, error) {
	ctx, span := retrieverTracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	searchText := queryText
	if salient, ok := extractErrorLine(queryText); ok {
		// Pasted error logs retrieve better on the failing line than on
		// the whole traceback.
		searchText = salient
		span.SetAttributes(attribute.Bool("error_log_detected", true))
	}

	results, err := r.searchOnce(ctx, searchText, r.config.PrimaryThreshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(results) > 0 {
		span.SetAttributes(attribute.String("rung", "primary"), attribute.Int("count", len(results)))
		return results, nil
	}

	if r.generate != nil {
		tried := map[string]bool{NormalizeQuery(searchText): true}
		for attempt := 0; attempt < r.config.MaxReformulations; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rewritten, err := r.reformulate(ctx, queryText, attempt)
			if err != nil {
				r.logger.Warn("reformulation failed, continuing ladder",
					"attempt", attempt, "error", err)
				break
			}
			if tried[NormalizeQuery(rewritten)] {
				continue
			}
			tried[NormalizeQuery(rewritten)] = true

			results, err = r.searchOnce(ctx, rewritten, r.config.PrimaryThreshold)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			if len(results) > 0 {
				span.SetAttributes(
					attribute.String("rung", "reformulation"),
					attribute.Int("attempt", attempt),
					attribute.Int("count", len(results)),
				)
				return results, nil
			}
		}
	}

	results, err = r.searchOnce(ctx, searchText, r.config.ContextThreshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("rung", "context_fallback"), attribute.Int("count", len(results)))
	return results, nil
}

// searchOnce embeds the text and queries the store.
func (r *Retriever) searchOnce(ctx context.Context, text string, threshold float64) ([]ScoredEvidence, error) {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Message: err.Error(), Retryable: true}
	}
	return r.store.Search(ctx, embedding, r.config.SearchLimit, threshold)
}

// reformulate asks the model for one alternative phrasing. Attempt 0
// asks for a broader rewrite, attempt 1 for key terms only.
func (r *Retriever) reformulate(ctx context.Context, queryText string, attempt int) (string, error) {
	var prompt string
	switch attempt {
	case 0:
		prompt = fmt.Sprintf(
			"Rewrite this question about a trading API as a broader search query. "+
				"Reply with only the rewritten query, nothing else.\n\nQuestion: %s", queryText)
	default:
		prompt = fmt.Sprintf(
			"Extract the key technical terms from this question as a short search "+
				"phrase. Reply with only the phrase.\n\nQuestion: %s", queryText)
	}
	rewritten, err := r.generate(ctx, prompt, 64)
	if err != nil {
		return "", &GenerationError{Message: err.Error(), Unavailable: true}
	}
	rewritten = strings.Trim(strings.TrimSpace(rewritten), `"`)
	if rewritten == "" {
		return "", fmt.Errorf("empty reformulation")
	}
	return rewritten, nil
}

// errorLineMarkers flag a line as the salient part of a pasted log.
var errorLineMarkers = []string{
	"error:", "exception", "traceback", "errno", "status code", "failed with",
}

// extractErrorLine finds the most informative line of what looks like
// a pasted error log. Returns false for ordinary prose questions.
func extractErrorLine(text string) (string, bool) {
	if !strings.Contains(text, "\n") && len(text) < 200 {
		return "", false
	}
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		lower := strings.ToLower(line)
		for _, marker := range errorLineMarkers {
			if strings.Contains(lower, marker) {
				return line, true
			}
		}
	}
	return "", false
}

// =============================================================================
// Env Helpers
// =============================================================================

// getEnvFloat reads an env var as float64, returning def when unset
// or malformed.
func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvInt reads an env var as int, returning def when unset or
// malformed.
func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
