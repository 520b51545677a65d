// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation produces a cited answer from a question and the
// retrieved context chunks.
package generation

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

var tracer = otel.Tracer("aleutian.medverify.generation")

const (
	// DefaultTemperature keeps generation close to the context.
	DefaultTemperature = float32(0.1)

	// DefaultMaxTokens caps the answer length.
	DefaultMaxTokens = 2048

	// NotInContextPhrase is what the model is told to say when the context
	// lacks the answer.
	NotInContextPhrase = "I cannot find this information in the provided documents"
)

// Generator answers a question from supplied chunks only.
//
// # Description
//
// The prompt numbers each chunk as [Source i: filename] and instructs the
// model to cite [Source n] for every claim. The model call runs under a
// per-call timeout with bounded retries. Any failure after the retry
// budget is returned as a StageError carrying ErrGenerationUnavailable.
//
// # Thread Safety
//
// Safe for concurrent use if the LLM client is.
type Generator struct {
	client    llm.LLMClient
	policy    llm.RetryPolicy
	maxTokens int
}

// Option configures a Generator.
type Option func(*Generator)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(g *Generator) { g.policy = p }
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// NewGenerator creates a Generator on client.
func NewGenerator(client llm.LLMClient, opts ...Option) *Generator {
	g := &Generator{
		client:    client,
		policy:    llm.DefaultRetryPolicy(),
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces an answer to query grounded in chunks.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - query: The question, possibly a refined one.
//   - chunks: Context chunks in retrieval order. Source n is chunks[n-1].
//
// # Outputs
//
//   - *datatypes.Generation: Answer with its citation map. When chunks is
//     empty, the fixed insufficient-information answer without an LLM call.
//   - error: StageError wrapping ErrGenerationUnavailable.
func (g *Generator) Generate(ctx context.Context, query string, chunks []datatypes.RetrievedChunk) (*datatypes.Generation, error) {
	if len(chunks) == 0 {
		return &datatypes.Generation{
			Answer:       datatypes.InsufficientInformationAnswer,
			Insufficient: true,
		}, nil
	}

	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", g.client.Model()),
		attribute.Int("context.chunks", len(chunks)),
	)

	messages := llm.SystemAndUser(systemPrompt(chunks[0].CorpusID), userPrompt(query, chunks))
	params := llm.Temperature(DefaultTemperature)
	params.MaxTokens = &g.maxTokens

	answer, calls, err := llm.CallWithRetry(ctx, g.policy, func(callCtx context.Context) (string, error) {
		out, err := g.client.Chat(callCtx, messages, params)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", llm.ErrEmptyResponse
		}
		return out, nil
	})
	span.SetAttributes(attribute.Int("llm.calls", calls))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		slog.Warn("Answer generation failed", "calls", calls, "error", err)
		return nil, datatypes.NewStageError("generation", datatypes.ErrGenerationUnavailable, calls, err)
	}

	citations, invalid := ParseCitations(answer, chunks)
	if len(invalid) > 0 {
		slog.Debug("Answer cites sources outside the context", "invalid_markers", invalid)
	}
	span.SetAttributes(attribute.Int("citations", len(citations)), attribute.Int("citations.invalid", len(invalid)))

	return &datatypes.Generation{
		Answer:         answer,
		Citations:      citations,
		InvalidMarkers: invalid,
	}, nil
}

func systemPrompt(disease string) string {
	if disease == "" {
		disease = "the requested condition"
	}
	return fmt.Sprintf(`You are a precise medical information assistant specialized in %s.

CRITICAL RULES:
1. ONLY use information explicitly stated in the provided context
2. If the answer is not in the context, say "%s"
3. NEVER make assumptions or add information from general knowledge
4. Always cite sources using [Source N] format
5. Be precise and factual - medical accuracy is critical
6. If information is partial or unclear, acknowledge the limitation`, disease, NotInContextPhrase)
}

// FormatContext renders chunks as numbered source blocks.
func FormatContext(chunks []datatypes.RetrievedChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		name := c.SourceFilename
		if name == "" {
			name = "Unknown"
		}
		parts[i] = fmt.Sprintf("[Source %d: %s]\n%s", i+1, name, c.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func userPrompt(query string, chunks []datatypes.RetrievedChunk) string {
	return fmt.Sprintf(`Context from documents:

%s

---

Question: %s

Please provide a precise answer based ONLY on the context above. Include [Source N] citations for every fact you state.`,
		FormatContext(chunks), query)
}
