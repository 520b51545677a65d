// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "fmt"

// =============================================================================
// Corpus Types
// =============================================================================

// Chunk is a bounded span of source-document text plus its embedding and
// provenance.
//
// # Description
//
// Chunks are immutable once inserted into a store. They are removed only as a
// unit when their parent document is deleted.
//
// # Fields
//
//   - ID: "{document_id}_chunk_{position}".
//   - CorpusID: Sanitized corpus name the chunk belongs to.
//   - DocumentID: Parent document identifier (UUID v4).
//   - Text: Chunk text.
//   - Embedding: Dense vector. Never serialized in API responses.
//   - SourceFilename: Original upload filename.
//   - Position: Zero-based index of the chunk inside its document.
//   - Seq: Store-assigned insertion sequence; breaks relevance ties.
type Chunk struct {
	ID             string    `json:"chunk_id"`
	CorpusID       string    `json:"corpus_id"`
	DocumentID     string    `json:"document_id"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"-"`
	SourceFilename string    `json:"filename"`
	Position       int       `json:"position"`
	Seq            uint64    `json:"-"`
}

// ChunkID builds the canonical chunk identifier.
func ChunkID(documentID string, position int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, position)
}

// RetrievedChunk is a Chunk scored against one query. It exists only for the
// duration of one retrieval call and the attempt that consumed it.
type RetrievedChunk struct {
	Chunk
	RelevanceScore float64 `json:"relevance_score"`
}

// DocumentInfo summarises one document stored in a corpus.
type DocumentInfo struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
}

// CorpusInfo summarises one registered corpus.
type CorpusInfo struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	DocumentCount int    `json:"document_count"`
	ChunkCount    int    `json:"chunk_count"`
}

// IngestResult is returned after a document has been split, embedded and
// inserted.
type IngestResult struct {
	DocumentID  string `json:"document_id"`
	Filename    string `json:"filename"`
	Disease     string `json:"disease"`
	ChunksAdded int    `json:"chunks_added"`
}
