// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm defines the interfaces to language-model backends and
// the OpenAI implementation used by the answer pipeline.
package llm

import "context"

// GenerationParams are the optional sampling knobs passed to a
// backend. Nil pointer fields mean "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Embedder produces a dense vector for a piece of text. Embeddings
// from the same Embedder are comparable by cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenerateFunc adapts a plain function to the generation boundary the
// pipeline injects. The pipeline never talks to a backend directly;
// it only ever calls one of these.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// AsGenerateFunc wraps an LLMClient into a GenerateFunc.
func AsGenerateFunc(client LLMClient) GenerateFunc {
	return func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		params := GenerationParams{}
		if maxTokens > 0 {
			params.MaxTokens = &maxTokens
		}
		return client.Generate(ctx, prompt, params)
	}
}
