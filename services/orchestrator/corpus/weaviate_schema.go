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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

const (
	chunkClass  = "MedicalChunk"
	corpusClass = "MedicalCorpus"
)

// getChunkSchema returns the class holding chunks of every corpus. Vectors
// are supplied by the caller, so no vectorizer module is configured.
func getChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       chunkClass,
		Description: "An embedded span of a medical document belonging to one disease corpus.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "corpus_id",
				DataType:        []string{"text"},
				Description:     "Sanitized corpus (disease) id.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "Parent document id.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunk_id",
				DataType:        []string{"text"},
				Description:     "Chunk id, {document_id}_chunk_{position}.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "filename",
				DataType:    []string{"text"},
				Description: "Original upload filename.",
			},
			{
				Name:            "position",
				DataType:        []string{"int"},
				Description:     "Zero-based chunk index inside the document.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Unix ms of the insert that wrote this chunk.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// getCorpusSchema returns the class holding one metadata object per corpus.
func getCorpusSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       corpusClass,
		Description: "A disease corpus registered with the service.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "corpus_id",
				DataType:        []string{"text"},
				Description:     "Sanitized corpus id.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "display_name",
				DataType:    []string{"text"},
				Description: "Name as the user typed it.",
			},
			{
				Name:        "created_at",
				DataType:    []string{"number"},
				Description: "Unix ms of creation.",
			},
		},
	}
}

// ensureWeaviateSchema creates the chunk and corpus classes when missing.
func ensureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	for _, class := range []*models.Class{getChunkSchema(), getCorpusSchema()} {
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Debug("Schema already exists", "class", class.Class)
			continue
		}
		slog.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
	}
	return nil
}

// parseGraphQLResponse decodes a Weaviate GraphQL response into T.
//
// # Description
//
// Weaviate returns GraphQL data as nested maps. Round-tripping through JSON
// maps it onto a typed struct with json tags. GraphQL-level errors are
// surfaced as a Go error.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

type chunkQueryResponse struct {
	Get struct {
		MedicalChunk []chunkResult `json:"MedicalChunk"`
	} `json:"Get"`
}

type chunkResult struct {
	Content    string  `json:"content"`
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Filename   string  `json:"filename"`
	Position   int     `json:"position"`
	IngestedAt float64 `json:"ingested_at"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

type corpusQueryResponse struct {
	Get struct {
		MedicalCorpus []struct {
			CorpusID    string `json:"corpus_id"`
			DisplayName string `json:"display_name"`
		} `json:"MedicalCorpus"`
	} `json:"Get"`
}

type countResponse struct {
	Aggregate struct {
		MedicalChunk []struct {
			Meta struct {
				Count float64 `json:"count"`
			} `json:"meta"`
		} `json:"MedicalChunk"`
	} `json:"Aggregate"`
}
