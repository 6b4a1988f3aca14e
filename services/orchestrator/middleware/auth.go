// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Admin Token Flow
//
// Mutating admin routes (index rebuild, fact curation) are guarded by a
// single shared token. The middleware extracts a bearer token from the
// Authorization header and compares it against the configured value.
//
//	Request
//	   │
//	   ▼
//	AdminAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Constant-time compare against the configured token
//
// # Local Behavior
//
// When no admin token is configured, all requests pass. This keeps a
// local single-user deployment working with zero setup.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Admin Auth Middleware
// =============================================================================

// AdminAuth guards a route group with a shared bearer token.
//
// An empty adminToken disables the check entirely. Otherwise requests
// must carry "Authorization: Bearer <token>" with a matching value or
// they are rejected with 401.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken parses the Authorization header expecting the
// format "Bearer <token>". Returns an empty string if the header is
// missing or malformed. The "Bearer" prefix is case-insensitive per
// RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
