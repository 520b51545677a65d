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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultServiceTimeout bounds one /batch_embed round trip.
const DefaultServiceTimeout = 30 * time.Second

// ServiceEmbedder calls a self-hosted embedding service exposing
// POST /batch_embed {"texts": [...]} → {"vectors": [[...]]}.
//
// # Thread Safety
//
// Safe for concurrent use.
type ServiceEmbedder struct {
	baseURL    string
	httpClient *http.Client
}

// NewServiceEmbedder creates a client for the service at baseURL. A trailing
// "/embed" or "/batch_embed" on baseURL is tolerated.
//
// # Examples
//
//	e := embedding.NewServiceEmbedder("http://embedding-server:8000")
//	vec, err := e.Embed(ctx, "insulin resistance")
func NewServiceEmbedder(baseURL string) *ServiceEmbedder {
	base := strings.TrimSuffix(baseURL, "/")
	base = strings.TrimSuffix(base, "/batch_embed")
	base = strings.TrimSuffix(base, "/embed")
	return &ServiceEmbedder{
		baseURL:    base,
		httpClient: &http.Client{Timeout: DefaultServiceTimeout},
	}
}

// WithTimeout sets the HTTP timeout.
func (e *ServiceEmbedder) WithTimeout(timeout time.Duration) *ServiceEmbedder {
	e.httpClient.Timeout = timeout
	return e
}

type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbeddingResponse struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Model     string      `json:"model"`
	Vectors   [][]float32 `json:"vectors"`
	Dim       int         `json:"dim"`
}

// Embed implements Embedder.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return firstVector(ctx, e, text)
}

// EmbedBatch implements Embedder.
func (e *ServiceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "ServiceEmbedder.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	body, err := json.Marshal(batchEmbeddingRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/batch_embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding service unreachable")
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding service error")
		return nil, err
	}

	var parsed batchEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := checkBatch(texts, parsed.Vectors); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return parsed.Vectors, nil
}

var _ Embedder = (*ServiceEmbedder)(nil)
