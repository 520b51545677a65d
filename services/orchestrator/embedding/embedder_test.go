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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceEmbedder_BatchEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batch_embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req batchEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := batchEmbeddingResponse{Model: "test", Dim: 2}
		for i := range req.Texts {
			resp.Vectors = append(resp.Vectors, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := NewServiceEmbedder(server.URL + "/embed")
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, vectors)

	v, err := e.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v)
}

func TestServiceEmbedder_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewServiceEmbedder(server.URL).Embed(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestServiceEmbedder_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(batchEmbeddingResponse{Vectors: [][]float32{{1}}})
	}))
	defer server.Close()

	_, err := NewServiceEmbedder(server.URL).EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Metformin lowers blood glucose")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "metformin LOWERS blood glucose")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	_, err = e.Embed(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	punct, err := e.Embed(ctx, "...")
	require.NoError(t, err)
	assert.Equal(t, float32(1), punct[0])
}

// countingEmbedder blocks until released so concurrent callers overlap.
type countingEmbedder struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	<-c.release
	return []float32{1, 2}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestDeduper_SharesConcurrentCalls(t *testing.T) {
	inner := &countingEmbedder{release: make(chan struct{})}
	d := Dedupe(inner)

	var wg sync.WaitGroup
	results := make([][]float32, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Embed(context.Background(), "same question")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let every goroutine reach the singleflight group before releasing.
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.LessOrEqual(t, inner.calls.Load(), int32(5))
	assert.GreaterOrEqual(t, inner.calls.Load(), int32(1))
	for _, v := range results {
		assert.Equal(t, []float32{1, 2}, v)
	}

	results[0][0] = 99
	assert.Equal(t, float32(1), results[1][0], "callers get independent copies")
}
