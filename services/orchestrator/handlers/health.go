// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// HandleHealth reports service health with cache and index stats.
func HandleHealth(pipeline *rag.Pipeline, store rag.EvidenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		exact, semantic := pipeline.CacheStats()
		healthy := store.Healthy(c.Request.Context())

		status := http.StatusOK
		state := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status": state,
			"evidence": gin.H{
				"chunks":     store.Count(),
				"generation": store.Generation(),
				"healthy":    healthy,
			},
			"cache": gin.H{
				"exact":    exact,
				"semantic": semantic,
			},
		})
	}
}
