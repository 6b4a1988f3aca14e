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

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/facts"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
)

// HandleSetFact creates or replaces a fact.
func HandleSetFact(store *facts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := answerTracer.Start(c.Request.Context(), "HandleSetFact")
		defer span.End()

		var request datatypes.FactRequest
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

		if err := store.Set(request.Key, request.Value, request.Strict); err != nil {
			span.RecordError(err)
			slog.Error("Failed to store fact", "key", request.Key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store fact"})
			return
		}
		slog.Info("Stored fact", "key", request.Key, "strict", request.Strict)
		c.JSON(http.StatusOK, gin.H{"status": "stored"})
	}
}

// HandleDeleteFact removes a fact by key.
func HandleDeleteFact(store *facts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := answerTracer.Start(c.Request.Context(), "HandleDeleteFact")
		defer span.End()

		key := c.Param("key")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Fact key is required"})
			return
		}
		if err := store.Delete(key); err != nil {
			span.RecordError(err)
			slog.Error("Failed to delete fact", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete fact"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// HandleGetFact fetches one fact by key.
func HandleGetFact(store *facts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := answerTracer.Start(c.Request.Context(), "HandleGetFact")
		defer span.End()

		key := c.Param("key")
		fact, err := store.Get(key)
		if err != nil {
			if errors.Is(err, facts.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Fact not found"})
				return
			}
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load fact"})
			return
		}
		c.JSON(http.StatusOK, fact)
	}
}

// HandleListFacts lists every stored fact.
func HandleListFacts(store *facts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := answerTracer.Start(c.Request.Context(), "HandleListFacts")
		defer span.End()

		all, err := store.GetAll()
		if err != nil {
			span.RecordError(err)
			slog.Error("Failed to list facts", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list facts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"facts": all, "count": len(all)})
	}
}
