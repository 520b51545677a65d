// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns text into dense vectors for chunk storage and
// query retrieval.
//
// Three implementations are provided: OpenAIEmbedder (the OpenAI embeddings
// API), ServiceEmbedder (the self-hosted /batch_embed service) and
// HashingEmbedder (deterministic, offline, for tests and air-gapped runs).
// Dedupe wraps any of them so concurrent identical requests share one call.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("aleutian.medverify.embedding")

// ErrInvalidInput is returned for empty text or an empty batch.
var ErrInvalidInput = errors.New("invalid embedding input")

// Embedder computes embeddings.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// firstVector is the shared Embed implementation for batch-native clients.
func firstVector(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vectors")
	}
	return vectors[0], nil
}

// checkBatch validates the response shape of a batch call.
func checkBatch(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embedder returned an empty vector at index %d", i)
		}
	}
	return nil
}

// =============================================================================
// Dedupe
// =============================================================================

// Deduper collapses concurrent Embed calls for the same text into one
// upstream request.
//
// # Description
//
// Several loops asking the same question at the same moment, or a loop
// re-embedding an unchanged query, hit the embedding backend once. Batch
// calls pass straight through. Callers get their own copy of the vector.
type Deduper struct {
	next  Embedder
	group singleflight.Group
}

// Dedupe wraps next with singleflight deduplication.
func Dedupe(next Embedder) *Deduper {
	return &Deduper{next: next}
}

// Embed implements Embedder.
func (d *Deduper) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := d.group.Do(text, func() (interface{}, error) {
		return d.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), v.([]float32)...), nil
}

// EmbedBatch implements Embedder.
func (d *Deduper) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return d.next.EmbedBatch(ctx, texts)
}

var _ Embedder = (*Deduper)(nil)
