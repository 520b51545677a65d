// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MedVerify/services/orchestrator/agentic"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

// Asker runs one question through the verification loop.
type Asker interface {
	Run(ctx context.Context, req agentic.Request) (*datatypes.VerificationResult, error)
}

var _ Asker = (*agentic.Loop)(nil)

// HandleQuery handles POST /v1/query.
//
// # Description
//
// Binds and validates the request, screens the question for patient
// identifiers, then runs the loop. use_verification defaults to true and
// max_attempts to 5; an explicit max_attempts of 0 is rejected.
//
// # Outputs
//
//   - 200 with datatypes.VerificationResult.
//   - 400 for invalid requests, 403 when screening finds identifiers,
//     404 for an unknown disease.
func HandleQuery(asker Asker, screen *policy_engine.PolicyEngine, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, metrics, fmt.Errorf("%w: %v", datatypes.ErrInvalidConfiguration, err))
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			respondError(c, metrics, err)
			return
		}
		if err := screen.Screen(req.Query); err != nil {
			respondError(c, metrics, err)
			return
		}

		result, err := asker.Run(c.Request.Context(), agentic.Request{
			CorpusID:        req.Disease,
			Query:           req.Query,
			UseVerification: *req.UseVerification,
			MaxAttempts:     *req.MaxAttempts,
		})
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		slog.Info("Answered query",
			"disease", result.CorpusID,
			"verified", result.Verified,
			"confidence", result.Confidence,
			"attempts", len(result.Attempts))
		c.JSON(http.StatusOK, result)
	}
}

// HandleSimpleQuery handles POST /v1/query/simple: form fields disease and
// query, one unverified pass.
func HandleSimpleQuery(asker Asker, screen *policy_engine.PolicyEngine, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.QueryRequest
		if err := c.ShouldBind(&req); err != nil {
			respondError(c, metrics, fmt.Errorf("%w: %v", datatypes.ErrInvalidConfiguration, err))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, metrics, err)
			return
		}
		if err := screen.Screen(req.Query); err != nil {
			respondError(c, metrics, err)
			return
		}

		result, err := asker.Run(c.Request.Context(), agentic.Request{
			CorpusID:        req.Disease,
			Query:           req.Query,
			UseVerification: false,
			MaxAttempts:     1,
		})
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"answer":     result.Answer,
			"references": result.References,
			"disease":    result.CorpusID,
		})
	}
}
