// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultOpenAIModel is the embedding model the service was tuned against.
const DefaultOpenAIModel = "text-embedding-3-small"

// maxOpenAIBatch is the per-request input cap the API enforces.
const maxOpenAIBatch = 2048

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder for apiKey. An empty baseURL uses
// the public API; set it for OpenAI-compatible gateways.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	slog.Info("Initializing OpenAI embedder", "model", model)
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return firstVector(ctx, e, text)
}

// EmbedBatch implements Embedder.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "OpenAIEmbedder.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.String("model", e.model), attribute.Int("texts", len(texts)))

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxOpenAIBatch {
		end := min(start+maxOpenAIBatch, len(texts))
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embedding request failed")
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}
		// The API documents data in input order but tags each item with its
		// index; sort to be safe.
		sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	if err := checkBatch(texts, out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
