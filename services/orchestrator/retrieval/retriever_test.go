// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service down")
}

func seededRetriever(t *testing.T, texts ...string) *Retriever {
	t.Helper()
	ctx := context.Background()
	embedder := embedding.NewHashingEmbedder(128)
	reg := corpus.NewRegistry(corpus.NewMemoryBackend())
	_, err := reg.Create(ctx, "diabetes")
	require.NoError(t, err)
	_, err = reg.Create(ctx, "empty")
	require.NoError(t, err)

	if len(texts) > 0 {
		vectors, err := embedder.EmbedBatch(ctx, texts)
		require.NoError(t, err)
		chunks := make([]datatypes.Chunk, len(texts))
		for i, text := range texts {
			chunks[i] = datatypes.Chunk{
				ID:             datatypes.ChunkID("doc", i),
				DocumentID:     "doc",
				Text:           text,
				Embedding:      vectors[i],
				SourceFilename: "guide.txt",
				Position:       i,
			}
		}
		store, err := reg.Get("diabetes")
		require.NoError(t, err)
		_, err = store.Insert(ctx, chunks)
		require.NoError(t, err)
	}
	return NewRetriever(reg, embedder)
}

func TestRetrieve_RanksMostRelevantFirst(t *testing.T) {
	r := seededRetriever(t,
		"Influenza vaccines are updated every season.",
		"Metformin is the first-line medication for type 2 diabetes.",
		"Regular exercise improves insulin sensitivity.",
	)

	chunks, err := r.Retrieve(context.Background(), "diabetes", "first-line medication for type 2 diabetes", 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "doc_chunk_1", chunks[0].ID)
	assert.GreaterOrEqual(t, chunks[0].RelevanceScore, chunks[1].RelevanceScore)
}

func TestRetrieve_DefaultK(t *testing.T) {
	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("glucose note %d", i)
	}
	r := seededRetriever(t, texts...)

	chunks, err := r.Retrieve(context.Background(), "diabetes", "glucose", 0)
	require.NoError(t, err)
	assert.Len(t, chunks, DefaultTopK)
}

func TestRetrieve_EmptyCorpus(t *testing.T) {
	r := seededRetriever(t)
	chunks, err := r.Retrieve(context.Background(), "empty", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRetrieve_MissingCorpus(t *testing.T) {
	r := seededRetriever(t)
	_, err := r.Retrieve(context.Background(), "nonexistent", "anything", 5)
	assert.True(t, datatypes.IsCorpusNotFound(err))
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	r := seededRetriever(t)
	_, err := r.Retrieve(context.Background(), "diabetes", "   ", 5)
	assert.True(t, datatypes.IsInvalidConfiguration(err))
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	reg := corpus.NewRegistry(corpus.NewMemoryBackend())
	_, err := reg.Create(context.Background(), "diabetes")
	require.NoError(t, err)

	_, err = NewRetriever(reg, failingEmbedder{}).Retrieve(context.Background(), "diabetes", "q", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrRetrievalUnavailable)
	assert.False(t, datatypes.IsCorpusNotFound(err))
}
