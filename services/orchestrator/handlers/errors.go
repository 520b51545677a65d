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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string                   `json:"error"`
	Code     string                   `json:"code"`
	Findings []policy_engine.Finding `json:"findings,omitempty"`
}

// classify maps an error onto an HTTP status and metrics code.
//
//   - ErrCorpusNotFound, ErrDocumentNotFound: 404
//   - ErrInvalidConfiguration: 400
//   - *PolicyViolationError: 403
//   - retrieval, generation or verification unavailable: 503
//   - anything else: 500
func classify(err error) (int, observability.ErrorCode) {
	var violation *policy_engine.PolicyViolationError
	switch {
	case errors.As(err, &violation):
		return http.StatusForbidden, observability.ErrorCodePolicyViolation
	case datatypes.IsCorpusNotFound(err), errors.Is(err, datatypes.ErrDocumentNotFound):
		return http.StatusNotFound, observability.ErrorCodeNotFound
	case datatypes.IsInvalidConfiguration(err):
		return http.StatusBadRequest, observability.ErrorCodeValidation
	case errors.Is(err, datatypes.ErrRetrievalUnavailable),
		errors.Is(err, datatypes.ErrGenerationUnavailable),
		errors.Is(err, datatypes.ErrVerificationUnavailable):
		return http.StatusServiceUnavailable, observability.ErrorCodeUnavailable
	default:
		return http.StatusInternalServerError, observability.ErrorCodeInternal
	}
}

// respondError writes err with its mapped status and records it.
func respondError(c *gin.Context, metrics *observability.Metrics, err error) {
	status, code := classify(err)
	metrics.RecordError(c.FullPath(), code)

	body := ErrorResponse{Error: err.Error(), Code: string(code)}
	var violation *policy_engine.PolicyViolationError
	if errors.As(err, &violation) {
		body.Findings = violation.Findings
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		body.Error = "internal error"
	} else if status == http.StatusServiceUnavailable {
		slog.Error("Dependency unavailable", "path", c.FullPath(), "error", err)
	} else {
		slog.Warn("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
