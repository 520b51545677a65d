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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxListObjects bounds Get queries that list a whole corpus.
const maxListObjects = 10000

// objectID derives a stable Weaviate UUID from a key.
func objectID(key string) strfmt.UUID {
	hash := sha256.Sum256([]byte(key))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}

// chunkSeq orders Weaviate chunks by insert time, then position. Positions
// are assumed to stay below 2^20.
func chunkSeq(ingestedAtMs float64, position int) uint64 {
	return uint64(ingestedAtMs)<<20 | uint64(position&0xFFFFF)
}

func corpusFilter(corpusID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"corpus_id"}).
		WithOperator(filters.Equal).
		WithValueString(corpusID)
}

// NewWeaviateClient builds a client from a URL such as http://weaviate:8080.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	rawURL = strings.Trim(rawURL, "\"' ")
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// =============================================================================
// Weaviate Backend
// =============================================================================

// WeaviateBackend stores every corpus in a shared MedicalChunk class,
// partitioned by the corpus_id property.
//
// # Description
//
// Search runs a nearVector query restricted to one corpus and reports
// Weaviate's certainty as the relevance score. Batch imports are not
// transactional in Weaviate; Insert deletes a partially written document
// before returning an error, and concurrent readers may briefly observe it.
type WeaviateBackend struct {
	client *weaviate.Client
}

var _ Backend = (*WeaviateBackend)(nil)

// NewWeaviateBackend ensures the schema exists and returns the backend.
func NewWeaviateBackend(ctx context.Context, client *weaviate.Client) (*WeaviateBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is required")
	}
	if err := ensureWeaviateSchema(ctx, client); err != nil {
		return nil, err
	}
	return &WeaviateBackend{client: client}, nil
}

// Name implements Backend.
func (b *WeaviateBackend) Name() string { return "weaviate" }

// Open implements Backend.
func (b *WeaviateBackend) Open(ctx context.Context, corpusID, displayName string) (ChunkStore, error) {
	id := objectID(corpusPrefix + corpusID)
	exists, err := b.client.Data().Checker().WithClassName(corpusClass).WithID(string(id)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("check corpus object: %w", err)
	}
	if !exists {
		_, err = b.client.Data().Creator().
			WithClassName(corpusClass).
			WithID(string(id)).
			WithProperties(map[string]interface{}{
				"corpus_id":    corpusID,
				"display_name": displayName,
				"created_at":   time.Now().UnixMilli(),
			}).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("create corpus object: %w", err)
		}
	}
	return &WeaviateStore{client: b.client, corpusID: corpusID}, nil
}

// Drop implements Backend.
func (b *WeaviateBackend) Drop(ctx context.Context, corpusID string) error {
	_, err := b.client.Batch().ObjectsBatchDeleter().
		WithClassName(chunkClass).
		WithOutput("minimal").
		WithWhere(corpusFilter(corpusID)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	err = b.client.Data().Deleter().
		WithClassName(corpusClass).
		WithID(string(objectID(corpusPrefix + corpusID))).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete corpus object: %w", err)
	}
	return nil
}

// Discover implements Backend.
func (b *WeaviateBackend) Discover(ctx context.Context) (map[string]string, error) {
	resp, err := b.client.GraphQL().Get().
		WithClassName(corpusClass).
		WithFields(graphql.Field{Name: "corpus_id"}, graphql.Field{Name: "display_name"}).
		WithLimit(maxListObjects).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list corpora: %w", err)
	}
	parsed, err := parseGraphQLResponse[corpusQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(parsed.Get.MedicalCorpus))
	for _, c := range parsed.Get.MedicalCorpus {
		out[c.CorpusID] = c.DisplayName
	}
	return out, nil
}

// Close implements Backend. The Weaviate client holds no resources.
func (b *WeaviateBackend) Close() error { return nil }

// =============================================================================
// Weaviate Store
// =============================================================================

// WeaviateStore is the ChunkStore view of one corpus.
//
// Unlike the memory and badger stores, a Search that races Insert can return
// some chunks of the document being imported. Readers that need whole
// documents must wait for Insert to return.
type WeaviateStore struct {
	client   *weaviate.Client
	corpusID string
}

var _ ChunkStore = (*WeaviateStore)(nil)

// Insert implements ChunkStore.
func (s *WeaviateStore) Insert(ctx context.Context, chunks []datatypes.Chunk) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("corpus.id", s.corpusID), attribute.Int("chunks", len(chunks)))

	if _, err := validateChunks(chunks); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	ingestedAt := time.Now().UnixMilli()
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  chunkClass,
			ID:     objectID(s.corpusID + "/" + c.ID),
			Vector: c.Embedding,
			Properties: map[string]interface{}{
				"content":     c.Text,
				"corpus_id":   s.corpusID,
				"document_id": c.DocumentID,
				"chunk_id":    c.ID,
				"filename":    c.SourceFilename,
				"position":    c.Position,
				"ingested_at": ingestedAt,
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch import failed")
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	var failures []string
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				failures = append(failures, e.Message)
			}
		} else {
			failures = append(failures, "unknown batch item failure")
		}
	}
	if len(failures) > 0 {
		documentIDs := make(map[string]struct{})
		for _, c := range chunks {
			documentIDs[c.DocumentID] = struct{}{}
		}
		for docID := range documentIDs {
			if _, derr := s.DeleteDocument(ctx, docID); derr != nil {
				slog.Warn("Failed to roll back partial Weaviate import", "document_id", docID, "error", derr)
			}
		}
		err := fmt.Errorf("weaviate batch import: %d item error(s): %s", len(failures), strings.Join(failures, "; "))
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch items failed")
		return 0, err
	}
	return len(chunks), nil
}

// Search implements ChunkStore.
func (s *WeaviateStore) Search(ctx context.Context, embedding []float32, k int) ([]datatypes.RetrievedChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("corpus.id", s.corpusID), attribute.Int("k", k))

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)
	resp, err := s.client.GraphQL().Get().
		WithClassName(chunkClass).
		WithFields(chunkFields(true)...).
		WithWhere(corpusFilter(s.corpusID)).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]datatypes.RetrievedChunk, 0, len(parsed.Get.MedicalChunk))
	for _, r := range parsed.Get.MedicalChunk {
		out = append(out, datatypes.RetrievedChunk{
			Chunk:          s.toChunk(r),
			RelevanceScore: clamp01(r.Additional.Certainty),
		})
	}
	return rankChunks(out, k), nil
}

// DeleteDocument implements ChunkStore.
func (s *WeaviateStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	docFilter := filters.Where().
		WithPath([]string{"document_id"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{corpusFilter(s.corpusID), docFilter})

	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(chunkClass).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete document %q: %w", documentID, err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}

// Documents implements ChunkStore.
func (s *WeaviateStore) Documents(ctx context.Context) ([]datatypes.DocumentInfo, error) {
	resp, err := s.client.GraphQL().Get().
		WithClassName(chunkClass).
		WithFields(chunkFields(false)...).
		WithWhere(corpusFilter(s.corpusID)).
		WithLimit(maxListObjects).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	parsed, err := parseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		return nil, err
	}
	chunks := make([]datatypes.Chunk, 0, len(parsed.Get.MedicalChunk))
	for _, r := range parsed.Get.MedicalChunk {
		chunks = append(chunks, s.toChunk(r))
	}
	ranked := make([]datatypes.RetrievedChunk, len(chunks))
	for i, c := range chunks {
		ranked[i] = datatypes.RetrievedChunk{Chunk: c}
	}
	ranked = rankChunks(ranked, 0)
	for i := range ranked {
		chunks[i] = ranked[i].Chunk
	}
	return summarizeDocuments(chunks), nil
}

// Count implements ChunkStore.
func (s *WeaviateStore) Count(ctx context.Context) (int, error) {
	resp, err := s.client.GraphQL().Aggregate().
		WithClassName(chunkClass).
		WithWhere(corpusFilter(s.corpusID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	parsed, err := parseGraphQLResponse[countResponse](resp)
	if err != nil {
		return 0, err
	}
	if len(parsed.Aggregate.MedicalChunk) == 0 {
		return 0, nil
	}
	return int(parsed.Aggregate.MedicalChunk[0].Meta.Count), nil
}

func (s *WeaviateStore) toChunk(r chunkResult) datatypes.Chunk {
	return datatypes.Chunk{
		ID:             r.ChunkID,
		CorpusID:       s.corpusID,
		DocumentID:     r.DocumentID,
		Text:           r.Content,
		SourceFilename: r.Filename,
		Position:       r.Position,
		Seq:            chunkSeq(r.IngestedAt, r.Position),
	}
}

func chunkFields(withCertainty bool) []graphql.Field {
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "document_id"},
		{Name: "chunk_id"},
		{Name: "filename"},
		{Name: "position"},
		{Name: "ingested_at"},
	}
	if withCertainty {
		fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}})
	}
	return fields
}
