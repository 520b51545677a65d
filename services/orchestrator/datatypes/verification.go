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

// =============================================================================
// Generation
// =============================================================================

// InsufficientInformationAnswer is returned verbatim whenever there is no
// context to answer from.
const InsufficientInformationAnswer = "No documents found for this disease. Please upload relevant documents first."

// UnverifiedFallbackAnswer is returned when no attempt produced answer text.
const UnverifiedFallbackAnswer = "Unable to generate a verified answer after multiple attempts."

// Citation maps one inline [Source n] marker to the context chunk it names.
type Citation struct {
	Source     int    `json:"source"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkID    string `json:"chunk_id"`
	Excerpt    string `json:"excerpt"`
}

// Generation is the output of the answer generator.
//
// # Fields
//
//   - Answer: Answer text with inline [Source n] markers.
//   - Citations: One entry per distinct marker, in order of first use.
//   - InvalidMarkers: Marker numbers that do not index a supplied chunk.
//   - Insufficient: True when the fixed insufficient-information answer was
//     produced because the context was empty.
type Generation struct {
	Answer         string     `json:"answer"`
	Citations      []Citation `json:"citations"`
	InvalidMarkers []int      `json:"invalid_markers,omitempty"`
	Insufficient   bool       `json:"insufficient"`
}

// =============================================================================
// Verification
// =============================================================================

// Verdict is the verifier's structured judgement of one answer.
type Verdict struct {
	Confidence        float64  `json:"confidence"`
	IsVerified        bool     `json:"is_verified"`
	Issues            []string `json:"issues"`
	Reasoning         string   `json:"reasoning"`
	SupportedClaims   []string `json:"supported_claims,omitempty"`
	UnsupportedClaims []string `json:"unsupported_claims,omitempty"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// Attempt records one retrieve-generate-verify cycle.
//
// # Description
//
// Attempts are appended to the loop's history exactly once and never mutated
// afterwards. A failed stage leaves Confidence at 0, IsVerified false and a
// Failure description, and the failure is also listed in Issues.
type Attempt struct {
	AttemptNumber int              `json:"attempt_number"`
	QueryUsed     string           `json:"query_used"`
	TopK          int              `json:"top_k"`
	ContextChunks []RetrievedChunk `json:"context_chunks"`
	AnswerText    string           `json:"answer_text"`
	Citations     []Citation       `json:"citations,omitempty"`
	Confidence    float64          `json:"confidence"`
	IsVerified    bool             `json:"is_verified"`
	Issues        []string         `json:"issues"`
	Suggestions   []string         `json:"suggestions,omitempty"`
	Reasoning     string           `json:"reasoning"`
	Failure       string           `json:"failure,omitempty"`
}

// Clone returns a deep copy so callers cannot alias loop-owned slices.
func (a Attempt) Clone() Attempt {
	out := a
	out.ContextChunks = append([]RetrievedChunk(nil), a.ContextChunks...)
	out.Citations = append([]Citation(nil), a.Citations...)
	out.Issues = append([]string(nil), a.Issues...)
	out.Suggestions = append([]string(nil), a.Suggestions...)
	return out
}

// Reference is one source in the final result, derived from the selected
// attempt's context chunks in retrieval order.
type Reference struct {
	SourceID       int     `json:"source_id"`
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	Excerpt        string  `json:"excerpt"`
	RelevanceScore float64 `json:"relevance_score"`
	Cited          bool    `json:"cited"`
}

// VerificationResult is the loop's final output.
//
// # Description
//
// Answer and Confidence always belong to the attempt named by
// SelectedAttempt, which is not necessarily the last one. Warning is set only
// when verification was requested and did not converge.
type VerificationResult struct {
	Answer                string      `json:"answer"`
	Verified              bool        `json:"verified"`
	Confidence            float64     `json:"confidence"`
	References            []Reference `json:"references"`
	Attempts              []Attempt   `json:"attempts"`
	Warning               string      `json:"warning,omitempty"`
	CorpusID              string      `json:"disease"`
	SelectedAttempt       int         `json:"final_attempt"`
	VerificationReasoning string      `json:"verification_reasoning,omitempty"`
}

// ExcerptLength is the number of characters kept in citation and reference
// excerpts.
const ExcerptLength = 200

// Excerpt returns the first n runes of text, with "..." appended when text
// was cut.
func Excerpt(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
