// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// HandleRebuildIndex atomically replaces the evidence index.
//
// A rebuild already in flight answers 409; the caller retries once it
// finishes. The operation is idempotent, so replays are safe.
func HandleRebuildIndex(pipeline *rag.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleRebuildIndex")
		defer span.End()

		var request datatypes.RebuildRequest
		if err := c.BindJSON(&request); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := request.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		slog.Info("Rebuilding evidence index", "chunks", len(request.Chunks))
		if err := pipeline.RebuildIndex(ctx, request.ToEvidence()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, rag.ErrIndexRebuildInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": "Index rebuild already in progress"})
				return
			}
			slog.Error("Index rebuild failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Index rebuild failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "rebuilt",
			"chunks": len(request.Chunks),
		})
	}
}

// HandleLearnText appends operator-provided text to the live index.
func HandleLearnText(pipeline *rag.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleLearnText")
		defer span.End()

		var request datatypes.LearnRequest
		if err := c.BindJSON(&request); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := request.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		added, err := pipeline.LearnText(ctx, request.Source, request.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Learn ingestion failed", "source", request.Source, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Ingestion failed"})
			return
		}

		slog.Info("Learned text", "source", request.Source, "chunks_added", added)
		c.JSON(http.StatusOK, gin.H{
			"status": "learned",
			"chunks": added,
		})
	}
}
