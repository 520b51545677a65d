// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus holds disease-scoped chunk stores and the registry that owns
// them.
//
// A corpus is an isolated collection of embedded chunks. Three backends are
// provided: an in-process map (MemoryBackend), an embedded badger database
// (BadgerBackend) and a Weaviate instance (WeaviateBackend). The Registry maps
// sanitized corpus names to open ChunkStore handles and has an explicit
// create/delete lifecycle.
package corpus

import (
	"context"
	"math"
	"sort"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.medverify.corpus")

// =============================================================================
// Interfaces
// =============================================================================

// ChunkStore holds the embedded chunks of one corpus.
//
// # Description
//
// ChunkStore is the only persistence surface the verification loop touches.
// Search runs against a snapshot that contains either all chunks of a
// document being inserted or none of them. The memory and badger stores
// guarantee this. WeaviateStore does not: Weaviate batch imports are not
// transactional, so a search that races an Insert may see part of the
// document until the import finishes or is rolled back.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ChunkStore interface {
	// Insert adds all chunks of one document. On error no chunk of the call
	// remains visible. Chunks receive a store-assigned Seq in slice order.
	Insert(ctx context.Context, chunks []datatypes.Chunk) (int, error)

	// Search returns up to k chunks ordered by relevance descending, ties
	// broken by insertion order.
	Search(ctx context.Context, embedding []float32, k int) ([]datatypes.RetrievedChunk, error)

	// DeleteDocument removes every chunk of documentID and reports how many
	// were removed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// Documents lists the documents in the corpus, ordered by first insertion.
	Documents(ctx context.Context) ([]datatypes.DocumentInfo, error)

	// Count returns the number of chunks in the corpus.
	Count(ctx context.Context) (int, error)
}

// Backend creates, discovers and drops corpora on one storage engine.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Open returns the store for corpusID, creating it when absent.
	Open(ctx context.Context, corpusID, displayName string) (ChunkStore, error)

	// Drop removes a corpus and all of its chunks.
	Drop(ctx context.Context, corpusID string) error

	// Discover lists corpora that already exist in the backend, keyed by
	// corpus id with their display names.
	Discover(ctx context.Context) (map[string]string, error)

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// Scoring
// =============================================================================

// Relevance maps cosine similarity onto [0,1] as (1 + cos) / 2.
//
// # Description
//
// The mapping is monotonic in cosine similarity and equals the "certainty"
// value Weaviate reports for cosine-distance indexes, so every backend scores
// on the same scale. Mismatched or zero-length vectors score 0.
func Relevance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01((1 + cos) / 2)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// rankChunks orders scored chunks by relevance descending, ties by Seq
// ascending, and truncates to k.
func rankChunks(scored []datatypes.RetrievedChunk, k int) []datatypes.RetrievedChunk {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RelevanceScore != scored[j].RelevanceScore {
			return scored[i].RelevanceScore > scored[j].RelevanceScore
		}
		return scored[i].Seq < scored[j].Seq
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// summarizeDocuments groups chunks by document in first-seen order.
func summarizeDocuments(chunks []datatypes.Chunk) []datatypes.DocumentInfo {
	index := make(map[string]int)
	var docs []datatypes.DocumentInfo
	for _, c := range chunks {
		i, ok := index[c.DocumentID]
		if !ok {
			index[c.DocumentID] = len(docs)
			docs = append(docs, datatypes.DocumentInfo{DocumentID: c.DocumentID, Filename: c.SourceFilename})
			i = len(docs) - 1
		}
		docs[i].ChunkCount++
	}
	return docs
}
