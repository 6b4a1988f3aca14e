// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/facts"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/handlers"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/middleware"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// SetupRoutes wires every endpoint of the copilot API. An empty
// adminToken leaves the admin routes open for local deployments.
func SetupRoutes(router *gin.Engine, pipeline *rag.Pipeline, store rag.EvidenceStore,
	factStore *facts.Store, gw *gateway.Gateway, adminToken string) {

	router.GET("/health", handlers.HandleHealth(pipeline, store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/answer", handlers.HandleAnswer(pipeline))

		// Index administration routes
		index := v1.Group("/index")
		index.Use(middleware.AdminAuth(adminToken))
		{
			index.POST("/rebuild", handlers.HandleRebuildIndex(pipeline))
			index.POST("/learn", handlers.HandleLearnText(pipeline))
		}

		// Fact administration routes. Reads stay open; writes share
		// the admin guard with the index routes.
		factsGroup := v1.Group("/facts")
		{
			factsGroup.GET("", handlers.HandleListFacts(factStore))
			factsGroup.GET("/:key", handlers.HandleGetFact(factStore))
			factsGroup.PUT("", middleware.AdminAuth(adminToken), handlers.HandleSetFact(factStore))
			factsGroup.DELETE("/:key", middleware.AdminAuth(adminToken), handlers.HandleDeleteFact(factStore))
		}

		// Capability gateway routes
		tools := v1.Group("/tools")
		{
			tools.GET("", handlers.HandleListTools(gw))
			tools.POST("/call", handlers.HandleToolCall(gw))
		}
	}
}
