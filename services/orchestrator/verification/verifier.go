// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verification judges whether a generated answer is supported by
// its context.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/MedVerify/services/llm"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.medverify.verification")

// DefaultThreshold is the confidence an answer needs to be accepted.
const DefaultThreshold = 0.8

// DefaultMaxTokens bounds the verdict, which reasoning models spend partly
// on hidden reasoning.
const DefaultMaxTokens = 4096

// Precedence decides how a high score and a grounding failure interact.
type Precedence int

const (
	// PrecedenceGroundingFirst rejects any answer with a hard-fail issue,
	// whatever its confidence.
	PrecedenceGroundingFirst Precedence = iota

	// PrecedenceThresholdOnly accepts on confidence alone.
	PrecedenceThresholdOnly
)

// String implements fmt.Stringer.
func (p Precedence) String() string {
	switch p {
	case PrecedenceGroundingFirst:
		return "grounding_first"
	case PrecedenceThresholdOnly:
		return "threshold_only"
	default:
		return fmt.Sprintf("precedence(%d)", int(p))
	}
}

// ParsePrecedence parses the config spelling of a Precedence.
func ParsePrecedence(s string) (Precedence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "grounding_first":
		return PrecedenceGroundingFirst, nil
	case "threshold_only":
		return PrecedenceThresholdOnly, nil
	default:
		return 0, datatypes.InvalidConfigurationf("unknown verification precedence %q", s)
	}
}

// Config configures a Verifier.
type Config struct {
	Threshold  float64
	Precedence Precedence
	Retry      llm.RetryPolicy
	MaxTokens  int
}

// DefaultConfig returns threshold 0.8, grounding-first precedence and the
// default retry policy.
func DefaultConfig() Config {
	return Config{
		Threshold:  DefaultThreshold,
		Precedence: PrecedenceGroundingFirst,
		Retry:      llm.DefaultRetryPolicy(),
		MaxTokens:  DefaultMaxTokens,
	}
}

// Verifier scores an answer against its context with an LLM fact-checker.
//
// # Description
//
// The model returns a JSON verdict. Confidence is clamped to [0,1] and the
// model's own is_verified is ignored: IsVerified is recomputed here from
// the threshold and the precedence policy. A reply with no parseable JSON
// is retried like a transport failure.
//
// # Thread Safety
//
// Safe for concurrent use if the LLM client is.
type Verifier struct {
	client llm.LLMClient
	config Config
}

// NewVerifier creates a Verifier.
func NewVerifier(client llm.LLMClient, config Config) (*Verifier, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, datatypes.InvalidConfigurationf("threshold must be within [0,1], got %v", config.Threshold)
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrInvalidConfiguration, err)
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &Verifier{client: client, config: config}, nil
}

// Threshold returns the acceptance threshold.
func (v *Verifier) Threshold() float64 { return v.config.Threshold }

// Verify judges answer to query against chunks.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - query: The original user question, never a refined one.
//   - answer: The generated answer.
//   - chunks: The context the answer was generated from.
//
// # Outputs
//
//   - *datatypes.Verdict: Clamped confidence, recomputed IsVerified, and
//     issues including one "unsupported claim: ..." per unsupported claim.
//   - error: StageError wrapping ErrVerificationUnavailable.
func (v *Verifier) Verify(ctx context.Context, query, answer string, chunks []datatypes.RetrievedChunk) (*datatypes.Verdict, error) {
	ctx, span := tracer.Start(ctx, "Verifier.Verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", v.client.Model()),
		attribute.String("precedence", v.config.Precedence.String()),
	)

	disease := ""
	if len(chunks) > 0 {
		disease = chunks[0].CorpusID
	}
	messages := llm.SystemAndUser("", buildPrompt(disease, query, answer, chunks))
	params := llm.GenerationParams{MaxTokens: &v.config.MaxTokens}

	raw, calls, err := llm.CallWithRetry(ctx, v.config.Retry, func(callCtx context.Context) (*rawVerdict, error) {
		out, err := v.client.Chat(callCtx, messages, params)
		if err != nil {
			return nil, err
		}
		return parseVerdict(out)
	})
	span.SetAttributes(attribute.Int("llm.calls", calls))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		slog.Warn("Answer verification failed", "calls", calls, "error", err)
		return nil, datatypes.NewStageError("verification", datatypes.ErrVerificationUnavailable, calls, err)
	}

	verdict := v.judge(raw)
	span.SetAttributes(
		attribute.Float64("confidence", verdict.Confidence),
		attribute.Bool("verified", verdict.IsVerified),
	)
	return verdict, nil
}

// judge turns the model's raw verdict into the final Verdict.
func (v *Verifier) judge(raw *rawVerdict) *datatypes.Verdict {
	issues := make([]string, 0, len(raw.Issues)+len(raw.UnsupportedClaims))
	for _, issue := range raw.Issues {
		if s := strings.TrimSpace(issue); s != "" {
			issues = append(issues, s)
		}
	}
	for _, claim := range raw.UnsupportedClaims {
		if s := strings.TrimSpace(claim); s != "" {
			issues = append(issues, UnsupportedClaimPrefix+s)
		}
	}

	confidence := clamp01(raw.Confidence)
	verified := confidence >= v.config.Threshold
	if verified && v.config.Precedence == PrecedenceGroundingFirst && HasHardFail(issues) {
		verified = false
	}

	return &datatypes.Verdict{
		Confidence:        confidence,
		IsVerified:        verified,
		Issues:            issues,
		Reasoning:         raw.Reasoning,
		SupportedClaims:   raw.SupportedClaims,
		UnsupportedClaims: raw.UnsupportedClaims,
		Suggestions:       raw.Suggestions,
	}
}

// UnsupportedClaimPrefix starts every issue derived from an unsupported claim.
const UnsupportedClaimPrefix = "unsupported claim: "

// HallucinationPrefix starts an issue the model files as a hallucination.
const HallucinationPrefix = "hallucination: "

// HasHardFail reports whether any issue marks the answer as ungrounded.
//
// # Description
//
// Only issues in a grounding category count: those starting with
// UnsupportedClaimPrefix or HallucinationPrefix (case-insensitive). Free
// text that merely mentions the words, such as "No hallucinations
// detected", is a soft issue.
func HasHardFail(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(strings.TrimSpace(issue))
		if strings.HasPrefix(lower, UnsupportedClaimPrefix) || strings.HasPrefix(lower, HallucinationPrefix) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func buildPrompt(disease, query, answer string, chunks []datatypes.RetrievedChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[Chunk %d]: %s", i+1, c.Text)
	}
	if disease == "" {
		disease = "unspecified"
	}
	return fmt.Sprintf(`You are a rigorous medical fact-checker. Your task is to verify if an answer is accurate and well-supported by the provided context.

DISEASE CONTEXT: %s

ORIGINAL QUESTION: %s

PROVIDED CONTEXT:
%s

ANSWER TO VERIFY:
%s

VERIFICATION TASK:
1. Check if EVERY claim in the answer is directly supported by the context
2. Identify any statements that go beyond the provided context
3. Check for potential hallucinations or unsupported inferences
4. Verify medical terminology and facts are accurate
5. Assess overall answer quality and completeness

Respond with a JSON object:
{
    "is_verified": true/false,
    "confidence": 0.0-1.0,
    "supported_claims": ["list of claims that are well-supported"],
    "unsupported_claims": ["list of claims not in context"],
    "issues": ["specific problems found; start an invented fact with \"hallucination: \""],
    "suggestions": ["how to improve the answer"],
    "reasoning": "detailed explanation of your verification"
}

Leave "unsupported_claims" and "issues" empty when there is nothing to report; do not list the absence of problems.

Be strict - medical information must be precise.`,
		disease, query, strings.Join(parts, "\n\n---\n\n"), answer)
}
