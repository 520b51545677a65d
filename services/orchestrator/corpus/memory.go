// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

// =============================================================================
// Memory Backend
// =============================================================================

// MemoryBackend keeps corpora in process memory. Data does not survive a
// restart.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
	names  map[string]string
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		stores: make(map[string]*MemoryStore),
		names:  make(map[string]string),
	}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Open implements Backend.
func (b *MemoryBackend) Open(_ context.Context, corpusID, displayName string) (ChunkStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stores[corpusID]; ok {
		return s, nil
	}
	s := NewMemoryStore(corpusID)
	b.stores[corpusID] = s
	b.names[corpusID] = displayName
	return s, nil
}

// Drop implements Backend.
func (b *MemoryBackend) Drop(_ context.Context, corpusID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores, corpusID)
	delete(b.names, corpusID)
	return nil
}

// Discover implements Backend.
func (b *MemoryBackend) Discover(_ context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.names))
	for id, name := range b.names {
		out[id] = name
	}
	return out, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore is a ChunkStore backed by a slice guarded by an RWMutex.
//
// # Description
//
// Insert appends a whole document under the write lock and Search scans
// under the read lock, so a search never observes half of a document.
type MemoryStore struct {
	corpusID string

	mu      sync.RWMutex
	chunks  []datatypes.Chunk
	nextSeq uint64
	dim     int
}

var _ ChunkStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store for corpusID.
func NewMemoryStore(corpusID string) *MemoryStore {
	return &MemoryStore{corpusID: corpusID, nextSeq: 1}
}

// Insert implements ChunkStore.
func (s *MemoryStore) Insert(ctx context.Context, chunks []datatypes.Chunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dim, err := validateChunks(chunks)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim != 0 && dim != s.dim {
		return 0, fmt.Errorf("embedding dimension %d does not match corpus dimension %d", dim, s.dim)
	}
	s.dim = dim
	for _, c := range chunks {
		c.CorpusID = s.corpusID
		c.Embedding = append([]float32(nil), c.Embedding...)
		c.Seq = s.nextSeq
		s.nextSeq++
		s.chunks = append(s.chunks, c)
	}
	return len(chunks), nil
}

// Search implements ChunkStore.
func (s *MemoryStore) Search(ctx context.Context, embedding []float32, k int) ([]datatypes.RetrievedChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	scored := make([]datatypes.RetrievedChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		scored = append(scored, datatypes.RetrievedChunk{Chunk: c, RelevanceScore: Relevance(embedding, c.Embedding)})
	}
	s.mu.RUnlock()
	return rankChunks(scored, k), nil
}

// DeleteDocument implements ChunkStore.
func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[:0]
	removed := 0
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	if len(s.chunks) == 0 {
		s.dim = 0
	}
	return removed, nil
}

// Documents implements ChunkStore.
func (s *MemoryStore) Documents(_ context.Context) ([]datatypes.DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarizeDocuments(s.chunks), nil
}

// Count implements ChunkStore.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// validateChunks checks that every chunk has an id, a document id and an
// embedding of one shared dimension. It returns that dimension.
func validateChunks(chunks []datatypes.Chunk) (int, error) {
	dim := 0
	for i, c := range chunks {
		if c.ID == "" || c.DocumentID == "" {
			return 0, fmt.Errorf("chunk %d: id and document id are required", i)
		}
		if len(c.Embedding) == 0 {
			return 0, fmt.Errorf("chunk %q: %w", c.ID, errEmptyEmbedding)
		}
		if dim == 0 {
			dim = len(c.Embedding)
		} else if len(c.Embedding) != dim {
			return 0, fmt.Errorf("chunk %q: embedding dimension %d, expected %d", c.ID, len(c.Embedding), dim)
		}
	}
	return dim, nil
}

var errEmptyEmbedding = errors.New("empty embedding")
