// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the gin context key for the authenticated caller.
const authInfoKey = "kodiak_auth_info"

// SetAuthInfo stores the authenticated caller in the Gin context for
// downstream handlers.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the caller authenticated by Auth middleware.
// Returns nil when the request was not authenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// Auth returns middleware that authenticates requests through the
// configured AuthProvider.
//
// Description:
//
//	Extracts the bearer token from the Authorization header, validates
//	it, and stores the resulting AuthInfo in the context. With the
//	default NopAuthProvider every request authenticates as local-user,
//	so an unconfigured gateway behaves exactly as before; a hosted
//	provider turns the same seam into real authentication.
//
// Outputs:
//   - 401 with an UNAUTHORIZED code when validation fails; the request
//     proceeds to handlers otherwise.
func Auth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
					Error: "unauthorized",
					Code:  "UNAUTHORIZED",
				})
				return
			}
			// Provider failures deny access rather than failing open.
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "authentication failed",
				Code:  "AUTH_FAILED",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", returning
// empty string when the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
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

// audit records one audit event through the configured logger. Audit
// failures never fail the request; they are logged and dropped.
func (h *Handlers) audit(c *gin.Context, event extensions.AuditEvent) {
	if event.UserID == "" {
		if info := GetAuthInfo(c); info != nil {
			event.UserID = info.UserID
		} else {
			event.UserID = "anonymous"
		}
	}
	if err := h.exts.AuditLogger.Log(c.Request.Context(), event); err != nil {
		slog.Warn("Audit logging failed",
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()))
	}
}
