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
	"regexp"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
)

var validatorTracer = otel.Tracer("copilot.rag.validator")

// RelevanceFunc judges how well a chunk answers a query, 0 to 1.
// Vector similarity measures topical closeness; a chunk about order
// endpoints scores high on any order question whether or not it
// answers it. This is the separate judgment that catches that.
type RelevanceFunc func(ctx context.Context, query, chunkText string) (float64, error)

// relevancePromptFmt asks for a bare number so the reply parses
// without structured output support.
const relevancePromptFmt = "Rate how well the passage answers the question. " +
	"Reply with ONLY a number from 0 to 10, where 0 means the passage does not " +
	"address the question and 10 means it answers it directly.\n\n" +
	"Question: %s\n\nPassage:\n%s"

var relevanceNumber = regexp.MustCompile(`\d+(\.\d+)?`)

// NewLLMRelevance builds a RelevanceFunc over the injected generator.
// Each call is one short generation; the reply is parsed as a number
// and normalized to 0-1.
func NewLLMRelevance(generate llm.GenerateFunc) RelevanceFunc {
	return func(ctx context.Context, query, chunkText string) (float64, error) {
		reply, err := generate(ctx, fmt.Sprintf(relevancePromptFmt, query, chunkText), 8)
		if err != nil {
			return 0, err
		}
		return parseRelevanceReply(reply)
	}
}

// parseRelevanceReply extracts the first number from a model reply and
// maps it onto 0-1. Replies on the 0-10 scale are divided down.
func parseRelevanceReply(reply string) (float64, error) {
	match := relevanceNumber.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("no score in reply %q", reply)
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", match, err)
	}
	if score > 1 {
		score /= 10
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// ValidatorConfig tunes the relevance filter.
type ValidatorConfig struct {
	// MinScore drops evidence below this retrieval similarity before
	// any relevance judgment is spent on it.
	MinScore float64

	// MinRelevance drops evidence the judge scores below this.
	MinRelevance float64

	// TopK caps how many chunks survive into the context.
	TopK int
}

// DefaultValidatorConfig returns the standard filter, overridable via
// VALIDATION_MIN_SCORE, VALIDATION_MIN_RELEVANCE, and VALIDATION_TOP_K.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinScore:     getEnvFloat("VALIDATION_MIN_SCORE", 0.30),
		MinRelevance: getEnvFloat("VALIDATION_MIN_RELEVANCE", 0.50),
		TopK:         getEnvInt("VALIDATION_TOP_K", 5),
	}
}

// Validator filters retrieved evidence down to what the answer may
// cite and reranks it by judged relevance. Its output is always a
// subset of its input: it never adds chunks and never rewrites their
// text. Empty output sends the pipeline to refusal mode.
type Validator struct {
	config    ValidatorConfig
	relevance RelevanceFunc
	logger    *slog.Logger
}

// NewValidator creates a validator with the given bounds. A nil
// relevance func runs similarity-only mode: the similarity score is
// reused as the relevance and MinRelevance is not applied.
func NewValidator(config ValidatorConfig, relevance RelevanceFunc) *Validator {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MinRelevance <= 0 {
		config.MinRelevance = 0.50
	}
	return &Validator{
		config:    config,
		relevance: relevance,
		logger:    slog.With("component", "validator"),
	}
}

// Validate drops sub-threshold chunks, judges each survivor's
// relevance to the query, drops low-relevance chunks, reranks by
// relevance, and caps at TopK. The input slice is not modified.
//
// A failed relevance judgment keeps the chunk with its similarity as
// the relevance, so a judge outage degrades ordering, not
// availability.
func (v *Validator) Validate(ctx context.Context, query string, candidates []ScoredEvidence) []ScoredEvidence {
	ctx, span := validatorTracer.Start(ctx, "Validator.Validate")
	defer span.End()

	kept := make([]ScoredEvidence, 0, len(candidates))
	for _, c := range candidates {
		if c.Score < v.config.MinScore {
			continue
		}
		if v.relevance == nil {
			c.Relevance = c.Score
			kept = append(kept, c)
			continue
		}
		rel, err := v.relevance(ctx, query, c.Chunk.Text)
		if err != nil {
			v.logger.Warn("relevance judgment failed, keeping chunk on similarity",
				"chunk_id", c.Chunk.ID, "error", err)
			c.Relevance = c.Score
			kept = append(kept, c)
			continue
		}
		if rel < v.config.MinRelevance {
			continue
		}
		c.Relevance = rel
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Relevance != kept[j].Relevance {
			return kept[i].Relevance > kept[j].Relevance
		}
		return kept[i].Score > kept[j].Score
	})
	if len(kept) > v.config.TopK {
		kept = kept[:v.config.TopK]
	}
	for i := range kept {
		kept[i].Rank = i + 1
	}

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("kept", len(kept)),
	)
	return kept
}
