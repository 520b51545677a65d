// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agentic implements the retrieval-verification loop.
//
// # Description
//
// A Loop answers one question against one corpus by cycling through
// RETRIEVE → GENERATE → VERIFY. A verified answer is ACCEPTED. Otherwise the
// query is REFINED and the cycle repeats until the attempt budget is spent
// or no new query can be produced (EXHAUSTED), at which point the attempt
// with the highest confidence is returned with a warning.
//
// The stages are consumer-side interfaces so the loop can be exercised with
// deterministic fakes.
package agentic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.medverify.agentic")

// =============================================================================
// Stage Interfaces
// =============================================================================

// Retriever returns the k most relevant chunks of a corpus.
type Retriever interface {
	Retrieve(ctx context.Context, corpusID, query string, k int) ([]datatypes.RetrievedChunk, error)
}

// Generator answers a query from context chunks.
type Generator interface {
	Generate(ctx context.Context, query string, chunks []datatypes.RetrievedChunk) (*datatypes.Generation, error)
}

// Verifier judges an answer against context chunks.
type Verifier interface {
	Verify(ctx context.Context, query, answer string, chunks []datatypes.RetrievedChunk) (*datatypes.Verdict, error)
}

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultTopK is the chunk count of the first attempt.
	DefaultTopK = 5

	// DefaultTopKGrowth is added to top-k on every further attempt.
	DefaultTopKGrowth = 1

	// DefaultThreshold is quoted in warnings when none is configured.
	DefaultThreshold = 0.8

	// ReasoningLimit caps the reasoning stored on each Attempt.
	ReasoningLimit = 500
)

// Config holds loop-wide settings. Per-request settings live on Request.
type Config struct {
	// TopK for attempt 1. Must be > 0.
	TopK int

	// TopKGrowth is added per attempt. Must be >= 0.
	TopKGrowth int

	// Threshold is the verifier's acceptance threshold, quoted in warnings.
	Threshold float64
}

// DefaultConfig returns TopK 5, growth 1, threshold 0.8.
func DefaultConfig() Config {
	return Config{TopK: DefaultTopK, TopKGrowth: DefaultTopKGrowth, Threshold: DefaultThreshold}
}

// Request is one question for the loop.
//
// # Fields
//
//   - CorpusID: Corpus (disease) to answer from. Required.
//   - Query: The user's question. Required.
//   - UseVerification: When false, one unverified retrieve-generate pass.
//   - MaxAttempts: Attempt budget. Must be > 0.
type Request struct {
	CorpusID        string
	Query           string
	UseVerification bool
	MaxAttempts     int
}

// =============================================================================
// Loop
// =============================================================================

// Loop runs the verification state machine.
//
// # Thread Safety
//
// A Loop holds no per-request state and is safe for concurrent Run calls.
type Loop struct {
	retriever Retriever
	generator Generator
	verifier  Verifier
	refiner   Refiner
	config    Config
	metrics   *observability.Metrics
}

// NewLoop wires the stages. metrics may be nil.
func NewLoop(retriever Retriever, generator Generator, verifier Verifier, refiner Refiner, config Config, metrics *observability.Metrics) (*Loop, error) {
	if retriever == nil || generator == nil || verifier == nil || refiner == nil {
		return nil, datatypes.InvalidConfigurationf("loop requires a retriever, generator, verifier and refiner")
	}
	if config.TopK <= 0 {
		return nil, datatypes.InvalidConfigurationf("top_k must be > 0, got %d", config.TopK)
	}
	if config.TopKGrowth < 0 {
		return nil, datatypes.InvalidConfigurationf("top_k growth must be >= 0, got %d", config.TopKGrowth)
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	return &Loop{
		retriever: retriever,
		generator: generator,
		verifier:  verifier,
		refiner:   refiner,
		config:    config,
		metrics:   metrics,
	}, nil
}

// stopReason is why the loop left the attempt cycle.
type stopReason int

const (
	stopAccepted stopReason = iota
	stopBudget
	stopExhausted
	stopCancelled
	stopUnverified
)

// run is the per-request state. Attempts are appended and never mutated.
type run struct {
	req       Request
	attempts  []datatypes.Attempt
	reasoning []string
	tried     []string
}

// Run answers req.
//
// # Description
//
// Configuration is validated before any attempt. A missing corpus or any
// other failure of attempt 1's retrieval is returned as an error. Once
// attempt 1 has retrieved context, stage failures are recorded on their
// attempt and the loop carries on; Run then always returns a result.
//
// # Outputs
//
//   - *datatypes.VerificationResult: The selected attempt's answer, its
//     references and a copy of every attempt.
//   - error: ErrInvalidConfiguration, ErrCorpusNotFound, ctx.Err() before
//     attempt 1, or attempt 1's retrieval error.
func (l *Loop) Run(ctx context.Context, req Request) (*datatypes.VerificationResult, error) {
	if err := validateRequest(req); err != nil {
		l.metrics.RecordRun(observability.OutcomeError, 0, 0)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		l.metrics.RecordRun(observability.OutcomeCancelled, 0, 0)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Loop.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("corpus.id", req.CorpusID),
		attribute.Int("max_attempts", req.MaxAttempts),
		attribute.Bool("use_verification", req.UseVerification),
	)
	slog.Info("Starting verification loop",
		"corpus", req.CorpusID, "max_attempts", req.MaxAttempts, "use_verification", req.UseVerification)

	r := &run{req: req, tried: []string{req.Query}}
	current := req.Query
	reason := stopBudget

	for n := 1; n <= req.MaxAttempts; n++ {
		if n > 1 && ctx.Err() != nil {
			reason = stopCancelled
			break
		}

		attempt, reasoning, chunksFound, err := l.attempt(ctx, r, n, current)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "first retrieval failed")
			outcome := observability.OutcomeError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				outcome = observability.OutcomeCancelled
			}
			l.metrics.RecordRun(outcome, 0, 0)
			return nil, err
		}
		if n == 1 && !chunksFound {
			result := noContextResult(req, attempt)
			l.metrics.RecordRun(observability.OutcomeNoContext, 1, 0)
			slog.Info("No context found for question", "corpus", req.CorpusID)
			return result, nil
		}
		r.attempts = append(r.attempts, attempt)
		r.reasoning = append(r.reasoning, reasoning)

		if !req.UseVerification {
			reason = stopUnverified
			break
		}
		if attempt.IsVerified {
			reason = stopAccepted
			break
		}
		if n == req.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			reason = stopCancelled
			break
		}

		next, ok := l.refine(ctx, r, attempt)
		if !ok {
			if ctx.Err() != nil {
				reason = stopCancelled
			} else {
				reason = stopExhausted
			}
			break
		}
		r.tried = append(r.tried, next)
		current = next
	}

	result := l.finish(r, reason)
	span.SetAttributes(
		attribute.Int("attempts", len(result.Attempts)),
		attribute.Int("selected_attempt", result.SelectedAttempt),
		attribute.Float64("confidence", result.Confidence),
		attribute.Bool("verified", result.Verified),
	)
	slog.Info("Verification loop finished",
		"corpus", req.CorpusID,
		"attempts", len(result.Attempts),
		"selected_attempt", result.SelectedAttempt,
		"confidence", result.Confidence,
		"verified", result.Verified,
	)
	return result, nil
}

func validateRequest(req Request) error {
	if req.MaxAttempts <= 0 {
		return datatypes.InvalidConfigurationf("max_attempts must be > 0, got %d", req.MaxAttempts)
	}
	if strings.TrimSpace(req.Query) == "" {
		return datatypes.InvalidConfigurationf("query must not be empty")
	}
	if strings.TrimSpace(req.CorpusID) == "" {
		return datatypes.InvalidConfigurationf("corpus id must not be empty")
	}
	return nil
}

// attempt runs one RETRIEVE → GENERATE → VERIFY cycle.
//
// It returns an error only for a failed retrieval on attempt 1; every later
// failure is folded into the returned Attempt. chunksFound is false when
// retrieval succeeded with no chunks.
func (l *Loop) attempt(ctx context.Context, r *run, n int, query string) (datatypes.Attempt, string, bool, error) {
	k := l.config.TopK + (n-1)*l.config.TopKGrowth
	a := datatypes.Attempt{AttemptNumber: n, QueryUsed: query, TopK: k}

	ctx, span := tracer.Start(ctx, "Loop.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", n), attribute.Int("k", k))

	start := time.Now()
	chunks, err := l.retriever.Retrieve(ctx, r.req.CorpusID, query, k)
	l.metrics.RecordStage(observability.StageRetrieval, time.Since(start), err != nil)
	if err != nil {
		if n == 1 {
			return a, "", false, err
		}
		return failed(a, "retrieval failed", err), "", true, nil
	}
	if len(chunks) == 0 {
		if n == 1 {
			return a, "", false, nil
		}
		return failed(a, "retrieval failed", errors.New("no chunks returned")), "", true, nil
	}
	a.ContextChunks = chunks

	start = time.Now()
	gen, err := l.generator.Generate(ctx, query, chunks)
	l.metrics.RecordStage(observability.StageGeneration, time.Since(start), err != nil)
	if err != nil {
		return failed(a, "generation failed", err), "", true, nil
	}
	a.AnswerText = gen.Answer
	a.Citations = gen.Citations

	if !r.req.UseVerification {
		return a, "", true, nil
	}

	start = time.Now()
	verdict, err := l.verifier.Verify(ctx, r.req.Query, gen.Answer, chunks)
	l.metrics.RecordStage(observability.StageVerification, time.Since(start), err != nil)
	if err != nil {
		return failed(a, "verification failed", err), "", true, nil
	}

	a.Confidence = verdict.Confidence
	a.IsVerified = verdict.IsVerified
	a.Issues = append([]string(nil), verdict.Issues...)
	a.Suggestions = append([]string(nil), verdict.Suggestions...)
	a.Reasoning = truncate(verdict.Reasoning, ReasoningLimit)
	span.SetAttributes(attribute.Float64("confidence", a.Confidence), attribute.Bool("verified", a.IsVerified))
	return a, verdict.Reasoning, true, nil
}

// failed marks a as a failed attempt.
func failed(a datatypes.Attempt, what string, err error) datatypes.Attempt {
	a.Confidence = 0
	a.IsVerified = false
	a.Failure = fmt.Sprintf("%s: %v", what, err)
	a.Issues = append(a.Issues, a.Failure)
	slog.Warn("Attempt failed", "attempt", a.AttemptNumber, "failure", a.Failure)
	return a
}

// refine asks the refiner for a query not yet tried.
func (l *Loop) refine(ctx context.Context, r *run, previous datatypes.Attempt) (string, bool) {
	start := time.Now()
	ref, err := l.refiner.Refine(ctx, RefineInput{
		OriginalQuery: r.req.Query,
		CorpusID:      r.req.CorpusID,
		Previous:      previous.Clone(),
		MaxAttempts:   r.req.MaxAttempts,
		Tried:         append([]string(nil), r.tried...),
	})
	l.metrics.RecordStage(observability.StageRefinement, time.Since(start), err != nil)
	if err != nil {
		slog.Info("No refined query available", "attempt", previous.AttemptNumber, "error", err)
		return "", false
	}
	if alreadyTried(ref.Query, r.tried) {
		slog.Info("Refiner repeated a query, stopping", "attempt", previous.AttemptNumber)
		return "", false
	}
	l.metrics.RecordRefinement(ref.Strategy)
	slog.Debug("Refined query", "attempt", previous.AttemptNumber, "strategy", ref.Strategy, "query", ref.Query)
	return ref.Query, true
}

// finish selects the answer and assembles the result.
func (l *Loop) finish(r *run, reason stopReason) *datatypes.VerificationResult {
	idx := len(r.attempts) - 1
	if reason != stopAccepted && reason != stopUnverified {
		idx = bestAttempt(r.attempts)
	}
	selected := r.attempts[idx]

	answer := selected.AnswerText
	if strings.TrimSpace(answer) == "" {
		answer = datatypes.UnverifiedFallbackAnswer
	}

	result := &datatypes.VerificationResult{
		Answer:                answer,
		Verified:              selected.IsVerified,
		Confidence:            selected.Confidence,
		References:            buildReferences(selected),
		Attempts:              cloneAttempts(r.attempts),
		CorpusID:              r.req.CorpusID,
		SelectedAttempt:       selected.AttemptNumber,
		VerificationReasoning: r.reasoning[idx],
	}

	outcome := observability.OutcomeAccepted
	switch reason {
	case stopUnverified:
		outcome = observability.OutcomeUnverified
	case stopBudget:
		outcome = observability.OutcomeExhausted
		result.Warning = fmt.Sprintf("Answer confidence (%.2f) below threshold (%v). Please verify independently.",
			selected.Confidence, l.config.Threshold)
	case stopExhausted:
		outcome = observability.OutcomeExhausted
		result.Warning = fmt.Sprintf("Answer confidence (%.2f) below threshold (%v). Query refinement ran out of new queries after %d attempt(s). Please verify independently.",
			selected.Confidence, l.config.Threshold, len(r.attempts))
	case stopCancelled:
		outcome = observability.OutcomeCancelled
		result.Warning = fmt.Sprintf("Answer confidence (%.2f) below threshold (%v). The request was cancelled after %d attempt(s). Please verify independently.",
			selected.Confidence, l.config.Threshold, len(r.attempts))
	}
	l.metrics.RecordRun(outcome, len(r.attempts), selected.Confidence)
	return result
}

// bestAttempt returns the index of the highest-confidence attempt; ties go
// to the earliest.
func bestAttempt(attempts []datatypes.Attempt) int {
	best := 0
	for i := 1; i < len(attempts); i++ {
		if attempts[i].Confidence > attempts[best].Confidence {
			best = i
		}
	}
	return best
}

// buildReferences lists the selected attempt's context in retrieval order.
// Source IDs match the [Source n] markers the answer was generated with.
func buildReferences(a datatypes.Attempt) []datatypes.Reference {
	cited := make(map[int]bool, len(a.Citations))
	for _, c := range a.Citations {
		cited[c.Source] = true
	}
	refs := make([]datatypes.Reference, len(a.ContextChunks))
	for i, c := range a.ContextChunks {
		refs[i] = datatypes.Reference{
			SourceID:       i + 1,
			ChunkID:        c.ID,
			DocumentID:     c.DocumentID,
			Filename:       c.SourceFilename,
			Excerpt:        datatypes.Excerpt(c.Text, datatypes.ExcerptLength),
			RelevanceScore: c.RelevanceScore,
			Cited:          cited[i+1],
		}
	}
	return refs
}

func noContextResult(req Request, a datatypes.Attempt) *datatypes.VerificationResult {
	a.AnswerText = datatypes.InsufficientInformationAnswer
	a.Issues = []string{"no documents in corpus"}
	return &datatypes.VerificationResult{
		Answer:          datatypes.InsufficientInformationAnswer,
		Verified:        false,
		Confidence:      0,
		References:      []datatypes.Reference{},
		Attempts:        []datatypes.Attempt{a},
		CorpusID:        req.CorpusID,
		SelectedAttempt: 1,
	}
}

func cloneAttempts(attempts []datatypes.Attempt) []datatypes.Attempt {
	out := make([]datatypes.Attempt, len(attempts))
	for i, a := range attempts {
		out[i] = a.Clone()
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
