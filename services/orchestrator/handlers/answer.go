// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers of the copilot API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

var answerTracer = otel.Tracer("copilot.orchestrator.handlers")

// HandleAnswer resolves one query through the pipeline.
//
// A missing conversation_id gets a fresh UUID, returned in the
// response so the client can keep the conversation together.
func HandleAnswer(pipeline *rag.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleAnswer")
		defer span.End()

		var request datatypes.AnswerRequest
		if err := c.BindJSON(&request); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to bind answer request JSON", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := request.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		conversationID := request.ConversationID
		if conversationID == "" {
			conversationID = uuid.New().String()
			span.SetAttributes(attribute.String("conversation_id_new", conversationID))
		}
		span.SetAttributes(attribute.String("conversation_id", conversationID))

		slog.Info("Received answer request",
			"conversation_id", conversationID,
			"history_turns", len(request.History),
		)

		result, err := pipeline.Answer(ctx, request.Query, conversationID, request.History)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, context.Canceled) {
				// Client went away; nothing useful to write.
				c.Status(499)
				return
			}
			slog.Error("Answer pipeline failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to answer query"})
			return
		}

		span.SetAttributes(attribute.String("mode", string(result.Mode)))
		c.JSON(http.StatusOK, datatypes.AnswerResponse{
			AnswerResult:   result,
			ConversationID: conversationID,
		})
	}
}
