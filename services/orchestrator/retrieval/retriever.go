// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds the chunks of a corpus most relevant to a query.
package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.medverify.retrieval")

// DefaultTopK is used when a caller passes k <= 0.
const DefaultTopK = 5

// Retriever embeds a query and searches one corpus.
//
// # Description
//
// Retriever is read-only: it never creates corpora or mutates stores. A
// missing corpus is reported as datatypes.ErrCorpusNotFound unwrapped, so
// the loop can tell it apart from transient failures. Embedding and search
// failures are wrapped in a StageError carrying ErrRetrievalUnavailable.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	registry *corpus.Registry
	embedder embedding.Embedder
}

// NewRetriever creates a Retriever over registry using embedder for queries.
func NewRetriever(registry *corpus.Registry, embedder embedding.Embedder) *Retriever {
	return &Retriever{registry: registry, embedder: embedder}
}

// Retrieve returns the k chunks of corpusID most relevant to query, best
// first.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - corpusID: Corpus name; sanitized before lookup.
//   - query: Natural-language query. Must be non-empty.
//   - k: Number of chunks. Values <= 0 use DefaultTopK.
//
// # Outputs
//
//   - []datatypes.RetrievedChunk: At most k chunks; empty for an empty corpus.
//   - error: ErrCorpusNotFound, ErrInvalidConfiguration, or a StageError.
func (r *Retriever) Retrieve(ctx context.Context, corpusID, query string, k int) ([]datatypes.RetrievedChunk, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if k <= 0 {
		k = DefaultTopK
	}
	span.SetAttributes(attribute.String("corpus.id", corpusID), attribute.Int("k", k))

	if strings.TrimSpace(query) == "" {
		return nil, datatypes.InvalidConfigurationf("query must not be empty")
	}

	store, err := r.registry.Get(corpusID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, datatypes.NewStageError("retrieval", datatypes.ErrRetrievalUnavailable, 1, err)
	}

	chunks, err := store.Search(ctx, vector, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, datatypes.NewStageError("retrieval", datatypes.ErrRetrievalUnavailable, 1, err)
	}

	span.SetAttributes(attribute.Int("chunks.returned", len(chunks)))
	slog.Debug("Retrieved chunks", "corpus", corpusID, "k", k, "returned", len(chunks))
	return chunks, nil
}
