// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request and response types of the HTTP
// surface, with their validation rules.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQueryBytes caps a single query to keep prompt sizes sane.
	MaxQueryBytes = 8 * 1024

	// MaxHistoryTurns caps the conversation history a caller may pass.
	MaxHistoryTurns = 50

	// MaxRebuildChunks caps a single rebuild request.
	MaxRebuildChunks = 50000

	// MaxLearnBytes caps one ingestion payload.
	MaxLearnBytes = 512 * 1024
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator instance for the API datatypes.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("querybytes", validateQueryBytes)
}

// validateQueryBytes enforces MaxQueryBytes on byte length, not rune
// count.
func validateQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Answer
// =============================================================================

// AnswerRequest is the body of POST /v1/answer.
type AnswerRequest struct {
	// Query is the question text. Required, at most MaxQueryBytes.
	Query string `json:"query" validate:"required,querybytes"`

	// ConversationID groups queries for rate limiting and context
	// hashing. A new one is minted when empty.
	ConversationID string `json:"conversation_id" validate:"omitempty,max=128"`

	// History is the prior exchange, oldest first.
	History []rag.Turn `json:"history" validate:"omitempty,dive"`
}

// Validate checks the request against its rules.
func (r *AnswerRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return err
	}
	if len(r.History) > MaxHistoryTurns {
		return fmt.Errorf("history exceeds %d turns", MaxHistoryTurns)
	}
	return nil
}

// AnswerResponse is the body returned by POST /v1/answer.
type AnswerResponse struct {
	rag.AnswerResult
	ConversationID string `json:"conversation_id"`
}

// =============================================================================
// Index Administration
// =============================================================================

// ChunkInput is one chunk of a rebuild or learn request. Embeddings
// are optional; missing ones are computed server-side.
type ChunkInput struct {
	ID        string            `json:"id" validate:"omitempty,max=128"`
	Text      string            `json:"text" validate:"required"`
	Source    string            `json:"source" validate:"required,max=256"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RebuildRequest is the body of POST /v1/index/rebuild.
type RebuildRequest struct {
	Chunks []ChunkInput `json:"chunks" validate:"required,dive"`
}

// Validate checks the request against its rules.
func (r *RebuildRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return err
	}
	if len(r.Chunks) > MaxRebuildChunks {
		return fmt.Errorf("rebuild exceeds %d chunks", MaxRebuildChunks)
	}
	return nil
}

// ToEvidence converts the wire chunks to pipeline chunks.
func (r *RebuildRequest) ToEvidence() []rag.EvidenceChunk {
	chunks := make([]rag.EvidenceChunk, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		chunks = append(chunks, rag.EvidenceChunk{
			ID:        c.ID,
			Text:      c.Text,
			Source:    c.Source,
			Embedding: c.Embedding,
			Metadata:  c.Metadata,
		})
	}
	return chunks
}

// LearnRequest is the body of POST /v1/index/learn.
type LearnRequest struct {
	Source string `json:"source" validate:"required,max=256"`
	Text   string `json:"text" validate:"required"`
}

// Validate checks the request against its rules.
func (r *LearnRequest) Validate() error {
	if err := apiValidate.Struct(r); err != nil {
		return err
	}
	if len(r.Text) > MaxLearnBytes {
		return fmt.Errorf("learn payload exceeds %d bytes", MaxLearnBytes)
	}
	return nil
}

// =============================================================================
// Facts
// =============================================================================

// FactRequest is the body of PUT /v1/facts.
type FactRequest struct {
	Key    string `json:"key" validate:"required,max=128"`
	Value  string `json:"value" validate:"required,max=4096"`
	Strict bool   `json:"strict"`
}

// Validate checks the request against its rules.
func (r *FactRequest) Validate() error {
	return apiValidate.Struct(r)
}

// =============================================================================
// Tools
// =============================================================================

// ToolCallBody is the body of POST /v1/tools/call.
type ToolCallBody struct {
	Name string         `json:"name" validate:"required,max=128"`
	Args map[string]any `json:"args"`
}

// Validate checks the request against its rules.
func (r *ToolCallBody) Validate() error {
	return apiValidate.Struct(r)
}
