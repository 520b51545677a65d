// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionBytes bounds a single question.
	MaxQuestionBytes = 8 * 1024

	// MaxAttemptsLimit bounds the per-request attempt budget.
	MaxAttemptsLimit = 20

	// DefaultMaxAttempts is used when a request does not set max_attempts.
	DefaultMaxAttempts = 5
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("corpusname", validateCorpusName)
	_ = requestValidate.RegisterValidation("maxquestion", validateMaxQuestion)
}

// validateCorpusName accepts any name that still has at least one letter or
// digit after sanitization.
func validateCorpusName(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func validateMaxQuestion(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Query Requests
// =============================================================================

// QueryRequest is the body of POST /v1/query.
//
// # Description
//
// UseVerification and MaxAttempts are pointers so that an omitted field can
// take its default while an explicit zero is still rejected.
//
// # Validation
//
//   - Disease: required, must contain a letter or digit
//   - Query: required, at most 8KB
//   - MaxAttempts: when present, 1..20
//
// # Examples
//
//	req := QueryRequest{Disease: "diabetes", Query: "What are the symptoms?"}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
type QueryRequest struct {
	Disease         string `json:"disease" form:"disease" validate:"required,corpusname"`
	Query           string `json:"query" form:"query" validate:"required,maxquestion"`
	UseVerification *bool  `json:"use_verification,omitempty"`
	MaxAttempts     *int   `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=20"`
}

// EnsureDefaults fills omitted optional fields.
func (r *QueryRequest) EnsureDefaults() {
	if r.UseVerification == nil {
		v := true
		r.UseVerification = &v
	}
	if r.MaxAttempts == nil {
		n := DefaultMaxAttempts
		r.MaxAttempts = &n
	}
}

// Validate checks the request. Failures wrap ErrInvalidConfiguration.
func (r *QueryRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// CreateCorpusRequest is the body of POST /v1/diseases.
type CreateCorpusRequest struct {
	Name string `json:"name" validate:"required,max=128,corpusname"`
}

// Validate checks the request. Failures wrap ErrInvalidConfiguration.
func (r *CreateCorpusRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}
