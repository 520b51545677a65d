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
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrCorpusNotFound is returned when a corpus identifier does not name a
	// registered corpus. Caller error; never retried.
	ErrCorpusNotFound = errors.New("corpus not found")

	// ErrInvalidConfiguration is returned when a request or loop configuration
	// is rejected before any attempt runs.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrGenerationUnavailable is returned when the answer generator could not
	// produce an answer within its timeout and retry budget.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrVerificationUnavailable is returned when the verifier could not
	// produce a verdict within its timeout and retry budget.
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// ErrRetrievalUnavailable is returned when the query could not be embedded
	// or the chunk store search failed.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrDocumentNotFound is returned when a document id has no chunks in the
	// corpus it was looked up in.
	ErrDocumentNotFound = errors.New("document not found")
)

// StageError wraps the failure of one external stage of the loop.
//
// # Description
//
// StageError carries both the taxonomy sentinel (Kind) and the last
// underlying cause so that errors.Is matches either. Attempts is the number
// of calls made before giving up, including the first.
//
// # Example
//
//	_, err := gen.Generate(ctx, q, chunks)
//	if errors.Is(err, datatypes.ErrGenerationUnavailable) {
//	    // record a failed attempt
//	}
type StageError struct {
	Stage    string
	Kind     error
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v after %d call(s)", e.Stage, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d call(s): %v", e.Stage, e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewStageError builds a StageError.
func NewStageError(stage string, kind error, attempts int, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Attempts: attempts, Err: cause}
}

// IsCorpusNotFound reports whether err is or wraps ErrCorpusNotFound.
func IsCorpusNotFound(err error) bool {
	return errors.Is(err, ErrCorpusNotFound)
}

// IsInvalidConfiguration reports whether err is or wraps ErrInvalidConfiguration.
func IsInvalidConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// InvalidConfigurationf returns an ErrInvalidConfiguration with a detail message.
func InvalidConfigurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// CorpusNotFoundf returns an ErrCorpusNotFound naming the corpus.
func CorpusNotFoundf(corpusID string) error {
	return fmt.Errorf("%w: %q", ErrCorpusNotFound, corpusID)
}
