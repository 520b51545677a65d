// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/MedVerify/services/llm"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

// ErrNoRefinement is returned when a refiner has no new query to offer.
var ErrNoRefinement = errors.New("no new query available")

// RefineInput is what a refiner knows about the failed attempt.
type RefineInput struct {
	OriginalQuery string
	CorpusID      string
	Previous      datatypes.Attempt
	MaxAttempts   int

	// Tried holds every query already used, in order.
	Tried []string
}

// Refinement is a new query and the strategy that produced it.
type Refinement struct {
	Query    string
	Strategy string
}

// Refiner produces the next query after a failed attempt.
//
// Implementations should return ErrNoRefinement rather than repeat a query
// in Tried; the loop rejects repeats regardless.
type Refiner interface {
	Refine(ctx context.Context, in RefineInput) (Refinement, error)
}

// NormalizeQuery lowercases q and collapses whitespace. Two queries are the
// same query when their normalized forms are equal.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func alreadyTried(candidate string, tried []string) bool {
	norm := NormalizeQuery(candidate)
	if norm == "" {
		return true
	}
	for _, t := range tried {
		if NormalizeQuery(t) == norm {
			return true
		}
	}
	return false
}

// =============================================================================
// LLM Refiner
// =============================================================================

// LLMRefiner asks a chat model for a better search query, given the
// verifier's issues and suggestions.
type LLMRefiner struct {
	client llm.LLMClient
	policy llm.RetryPolicy
}

// NewLLMRefiner creates an LLMRefiner.
func NewLLMRefiner(client llm.LLMClient, policy llm.RetryPolicy) *LLMRefiner {
	return &LLMRefiner{client: client, policy: policy}
}

// Refine implements Refiner.
func (r *LLMRefiner) Refine(ctx context.Context, in RefineInput) (Refinement, error) {
	ctx, span := tracer.Start(ctx, "LLMRefiner.Refine")
	defer span.End()

	prompt := refinementPrompt(in)
	temp := float32(0.3)
	maxTokens := 200
	params := llm.GenerationParams{Temperature: &temp, MaxTokens: &maxTokens}

	out, _, err := llm.CallWithRetry(ctx, r.policy, func(callCtx context.Context) (string, error) {
		return r.client.Chat(callCtx, llm.SystemAndUser("", prompt), params)
	})
	if err != nil {
		span.RecordError(err)
		return Refinement{}, fmt.Errorf("llm refinement: %w", err)
	}

	query := cleanRefinedQuery(out)
	if alreadyTried(query, in.Tried) {
		return Refinement{}, ErrNoRefinement
	}
	return Refinement{Query: query, Strategy: "llm"}, nil
}

func refinementPrompt(in RefineInput) string {
	var b strings.Builder
	b.WriteString("Based on a failed answer verification, generate an improved search query.\n\n")
	fmt.Fprintf(&b, "Original Question: %s\n", in.OriginalQuery)
	fmt.Fprintf(&b, "Disease: %s\n", in.CorpusID)
	fmt.Fprintf(&b, "Attempt: %d of %d\n\n", in.Previous.AttemptNumber, in.MaxAttempts)
	b.WriteString("Previous Answer Issues:\n")
	for _, issue := range in.Previous.Issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString("\nSuggestions:\n")
	for _, s := range in.Previous.Suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	if len(in.Tried) > 0 {
		b.WriteString("\nQueries already tried (do not repeat them):\n")
		for _, t := range in.Tried {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	b.WriteString("\nGenerate a more specific or differently-phrased query that might retrieve better context.\n")
	b.WriteString("Focus on the specific information gaps identified.\n\n")
	b.WriteString("Return ONLY the refined query, nothing else.")
	return b.String()
}

// cleanRefinedQuery strips the quoting and labels models add.
func cleanRefinedQuery(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, prefix := range []string{"Refined query:", "Refined Query:", "Query:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	return strings.Trim(s, "\"'` ")
}

// =============================================================================
// Issue Refiner
// =============================================================================

// IssueRefiner builds the next query without a model call.
//
// # Description
//
// Candidates, in order: the original question focused on each issue of the
// previous attempt, then on each suggestion, then a fixed set of narrower
// rephrasings. The first candidate not already tried wins. The output
// depends only on the input, which makes it the refiner for tests and the
// fallback when the LLM refiner fails.
type IssueRefiner struct{}

// rephrasings are tried after issue and suggestion focus clauses.
var rephrasings = []string{
	"What do the documents state about: %s",
	"%s (include specific values, doses and criteria)",
	"Definitions and guidelines relevant to: %s",
}

// Refine implements Refiner.
func (IssueRefiner) Refine(_ context.Context, in RefineInput) (Refinement, error) {
	base := strings.TrimSpace(in.OriginalQuery)
	var candidates []string
	for _, issue := range in.Previous.Issues {
		if focus := focusClause(issue); focus != "" {
			candidates = append(candidates, fmt.Sprintf("%s (focus: %s)", base, focus))
		}
	}
	for _, s := range in.Previous.Suggestions {
		if focus := focusClause(s); focus != "" {
			candidates = append(candidates, fmt.Sprintf("%s (focus: %s)", base, focus))
		}
	}
	for _, tmpl := range rephrasings {
		candidates = append(candidates, fmt.Sprintf(tmpl, base))
	}

	for _, c := range candidates {
		if !alreadyTried(c, in.Tried) {
			return Refinement{Query: c, Strategy: "issue"}, nil
		}
	}
	return Refinement{}, ErrNoRefinement
}

// focusClause trims an issue to the part worth searching for.
func focusClause(issue string) string {
	s := strings.TrimSpace(issue)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"unsupported claim:", "generation failed:", "verification failed:", "retrieval failed:"} {
		if strings.HasPrefix(lower, prefix) {
			if prefix != "unsupported claim:" {
				// Infrastructure failures say nothing about the content.
				return ""
			}
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	s = strings.TrimRight(s, ".")
	if r := []rune(s); len(r) > 160 {
		s = string(r[:160])
	}
	return s
}

// =============================================================================
// Fallback Refiner
// =============================================================================

// FallbackRefiner tries each strategy in order until one yields a query
// not already tried.
type FallbackRefiner struct {
	strategies []Refiner
}

// NewFallbackRefiner chains strategies.
//
// # Examples
//
//	refiner := agentic.NewFallbackRefiner(
//	    agentic.NewLLMRefiner(client, policy),
//	    agentic.IssueRefiner{},
//	)
func NewFallbackRefiner(strategies ...Refiner) *FallbackRefiner {
	return &FallbackRefiner{strategies: strategies}
}

// Refine implements Refiner.
func (f *FallbackRefiner) Refine(ctx context.Context, in RefineInput) (Refinement, error) {
	for _, s := range f.strategies {
		if err := ctx.Err(); err != nil {
			return Refinement{}, err
		}
		ref, err := s.Refine(ctx, in)
		if err != nil {
			if !errors.Is(err, ErrNoRefinement) {
				slog.Warn("Refinement strategy failed, trying next", "error", err)
			}
			continue
		}
		if alreadyTried(ref.Query, in.Tried) {
			continue
		}
		return ref, nil
	}
	return Refinement{}, ErrNoRefinement
}

var (
	_ Refiner = (*LLMRefiner)(nil)
	_ Refiner = IssueRefiner{}
	_ Refiner = (*FallbackRefiner)(nil)
)
