// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/observability"
)

// HandleToolCall runs a capability request through the gateway.
//
// A policy denial is a 200 with permitted=false; callers must not
// treat it like a transport failure.
func HandleToolCall(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleToolCall")
		defer span.End()

		var request datatypes.ToolCallBody
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
		span.SetAttributes(attribute.String("capability", request.Name))

		resp, err := gw.Call(ctx, gateway.ToolCallRequest{
			Name: request.Name,
			Args: request.Args,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Tool call failed", "capability", request.Name, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream tool call failed"})
			return
		}
		if !resp.Permitted {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordGatewayDenial("policy")
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleListTools lists the capabilities the gateway will permit.
func HandleListTools(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := answerTracer.Start(c.Request.Context(), "HandleListTools")
		defer span.End()

		capabilities := gw.Capabilities()
		c.JSON(http.StatusOK, gin.H{
			"capabilities": capabilities,
			"count":        len(capabilities),
		})
	}
}
