// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline control flow. These are internal
// signals; the pipeline converts them into refusal or degraded
// answers before they reach a caller.
var (
	// ErrClassificationAmbiguous reports that two planner rules tied.
	// The planner resolves ties by rule order, so this is only logged.
	ErrClassificationAmbiguous = errors.New("query classification ambiguous")

	// ErrRetrievalEmpty reports that no evidence cleared the threshold
	// after all reformulation attempts.
	ErrRetrievalEmpty = errors.New("retrieval returned no evidence")

	// ErrValidationAllDropped reports that the validator dropped every
	// retrieved chunk.
	ErrValidationAllDropped = errors.New("validation dropped all evidence")

	// ErrIndexRebuildInProgress reports that a rebuild was requested
	// while another rebuild held the index.
	ErrIndexRebuildInProgress = errors.New("index rebuild already in progress")

	// ErrRateLimited reports that a conversation exceeded its query
	// budget.
	ErrRateLimited = errors.New("conversation rate limit exceeded")
)

// GenerationError reports a failure of the injected generation
// backend. Unavailable distinguishes a down service from a bad
// response.
type GenerationError struct {
	Message     string
	Unavailable bool
}

func (e *GenerationError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("generation service unavailable: %s", e.Message)
	}
	return fmt.Sprintf("generation failed: %s", e.Message)
}

// IsGenerationUnavailable checks if an error is a GenerationError
// with the Unavailable flag set.
func IsGenerationUnavailable(err error) bool {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Unavailable
	}
	return false
}

// EmbeddingError reports a failure to embed text. Retryable errors
// come from transient backend conditions.
type EmbeddingError struct {
	Message   string
	Retryable bool
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed: %s", e.Message)
}

// IsEmbeddingError checks if an error is an EmbeddingError.
func IsEmbeddingError(err error) bool {
	var embErr *EmbeddingError
	return errors.As(err, &embErr)
}

// IsRetryableEmbeddingError checks if an error is an EmbeddingError
// worth retrying.
func IsRetryableEmbeddingError(err error) bool {
	var embErr *EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Retryable
	}
	return false
}
