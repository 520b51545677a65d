// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MedVerify/pkg/extensions"
)

// anonymousCaller is recorded when API key auth is disabled or failed.
const anonymousCaller = "anonymous"

// Audit records one extensions.AuditEvent per request after the handler
// chain finishes. Register it before APIKeyAuth so rejected requests are
// recorded as blocked.
//
// # Description
//
// The event type is derived from the matched route ("query.ask",
// "document.upload", ...). The resource id is the :disease, :name or :id
// path parameter. Request bodies are never read, so question text does not
// reach the audit trail.
//
// # Outcomes
//
//   - 2xx: success
//   - 401, 403: blocked (auth or PHI screen)
//   - anything else: failure
//
// A failing audit logger is logged and never fails the request.
func Audit(logger extensions.AuditLogger) gin.HandlerFunc {
	if logger == nil {
		logger = extensions.NopAuditLogger{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			return
		}
		eventType, resourceType := classifyRoute(c.Request.Method, route)

		caller := GetCaller(c)
		if caller == "" {
			caller = anonymousCaller
		}
		status := c.Writer.Status()
		event := extensions.AuditEvent{
			EventType:    eventType,
			UserID:       caller,
			Action:       c.Request.Method,
			ResourceType: resourceType,
			ResourceID:   resourceID(c),
			Outcome:      outcomeFor(status),
			Metadata: map[string]any{
				"route":       route,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		}
		if err := logger.Log(c.Request.Context(), event); err != nil {
			slog.Warn("Audit log write failed", "event_type", eventType, "error", err)
		}
	}
}

func classifyRoute(method, route string) (eventType, resourceType string) {
	switch {
	case strings.HasPrefix(route, "/v1/query"):
		return "query.ask", "query"
	case strings.HasPrefix(route, "/v1/upload"):
		return "document.upload", "document"
	case strings.HasPrefix(route, "/v1/documents"):
		return "document.delete", "document"
	case strings.HasSuffix(route, "/documents"):
		return "document.list", "document"
	case strings.HasPrefix(route, "/v1/diseases"):
		switch method {
		case http.MethodPost:
			return "corpus.create", "disease"
		case http.MethodDelete:
			return "corpus.delete", "disease"
		default:
			return "corpus.list", "disease"
		}
	}
	return "request." + strings.ToLower(method), "request"
}

func resourceID(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	if d := c.Param("disease"); d != "" {
		return d
	}
	return c.Param("name")
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return extensions.OutcomeSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return extensions.OutcomeBlocked
	default:
		return extensions.OutcomeFailure
	}
}
