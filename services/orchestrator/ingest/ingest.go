// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest turns uploaded documents into embedded chunks of a corpus.
//
// # Description
//
// A document is decoded (plain text, markdown, or JSON flattened to readable
// text), split with a recursive character splitter, embedded in concurrent
// batches and inserted into its corpus as one unit. The corpus is created on
// demand. A Watcher feeds files dropped into per-disease folders through the
// same path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
)

var tracer = otel.Tracer("aleutian.medverify.ingest")

// ErrUnsupportedFileType is returned for uploads that are not .txt, .md or
// .json. It is always joined with datatypes.ErrInvalidConfiguration.
var ErrUnsupportedFileType = errors.New("unsupported file type")

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultBatchSize    = 64
	DefaultConcurrency  = 4
)

var markdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
	"```\n", "\n\n***\n\n", "\n\n---\n\n", "\n\n___\n\n",
	"\n\n", "\n", " ", "",
}

var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// SupportedExtension reports whether a filename can be ingested.
func SupportedExtension(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".json":
		return true
	}
	return false
}

// Config sizes chunking and embedding.
type Config struct {
	ChunkSize    int
	ChunkOverlap int

	// BatchSize is the number of chunks per embedding call.
	BatchSize int

	// Concurrency bounds in-flight embedding calls per document.
	Concurrency int
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = DefaultChunkOverlap
		}
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = min(DefaultChunkOverlap, c.ChunkSize/5)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Ingester splits, embeds and stores documents.
//
// # Thread Safety
//
// Safe for concurrent use. Each document is inserted atomically, so a
// concurrent search sees all of its chunks or none.
type Ingester struct {
	registry *corpus.Registry
	embedder embedding.Embedder
	cfg      Config
	metrics  *observability.Metrics
}

// NewIngester creates an Ingester. Zero Config fields take defaults; metrics
// may be nil.
func NewIngester(registry *corpus.Registry, embedder embedding.Embedder, cfg Config, metrics *observability.Metrics) *Ingester {
	cfg.applyDefaults()
	return &Ingester{registry: registry, embedder: embedder, cfg: cfg, metrics: metrics}
}

// Ingest adds one document to the corpus for disease.
//
// # Description
//
// The corpus is created when it does not exist yet. Every chunk gets the
// same fresh document id and a position in document order.
//
// # Inputs
//
//   - disease: Corpus name; sanitized before use.
//   - filename: Original filename. Its extension selects the decoder.
//   - content: Raw file bytes, UTF-8.
//
// # Outputs
//
//   - datatypes.IngestResult: Document id and chunk count.
//   - error: ErrInvalidConfiguration (joined with ErrUnsupportedFileType for
//     unknown extensions), or a wrapped embedding or store error.
//
// # Examples
//
//	res, err := ing.Ingest(ctx, "diabetes", "ada-guidelines.md", data)
func (i *Ingester) Ingest(ctx context.Context, disease, filename string, content []byte) (datatypes.IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Ingester.Ingest")
	defer span.End()

	filename = filepath.Base(filename)
	corpusID := corpus.SanitizeName(disease)
	span.SetAttributes(
		attribute.String("corpus.id", corpusID),
		attribute.String("document.filename", filename),
	)

	if !corpus.ValidName(disease) {
		return datatypes.IngestResult{}, datatypes.InvalidConfigurationf("disease name %q has no letters or digits", disease)
	}
	if !SupportedExtension(filename) {
		return datatypes.IngestResult{}, fmt.Errorf("%w: %w: %q (supported: .txt, .md, .json)",
			datatypes.ErrInvalidConfiguration, ErrUnsupportedFileType, filepath.Ext(filename))
	}

	text, err := decode(filename, content)
	if err != nil {
		span.RecordError(err)
		return datatypes.IngestResult{}, err
	}

	pieces, err := i.split(filename, text)
	if err != nil {
		span.RecordError(err)
		return datatypes.IngestResult{}, err
	}
	if len(pieces) == 0 {
		return datatypes.IngestResult{}, datatypes.InvalidConfigurationf("document %q contains no text", filename)
	}
	slog.Info("Split document into chunks", "source", filename, "corpus", corpusID, "chunk_count", len(pieces))

	vectors, err := i.embedAll(ctx, pieces)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		slog.Error("Failed to embed document", "source", filename, "error", err)
		return datatypes.IngestResult{}, fmt.Errorf("embed %q: %w", filename, err)
	}

	docID := uuid.NewString()
	chunks := make([]datatypes.Chunk, len(pieces))
	for pos, text := range pieces {
		chunks[pos] = datatypes.Chunk{
			ID:             datatypes.ChunkID(docID, pos),
			CorpusID:       corpusID,
			DocumentID:     docID,
			Text:           text,
			Embedding:      vectors[pos],
			SourceFilename: filename,
			Position:       pos,
		}
	}

	info, err := i.registry.Create(ctx, disease)
	if err != nil {
		span.RecordError(err)
		return datatypes.IngestResult{}, err
	}
	store, err := i.registry.Get(info.Name)
	if err != nil {
		return datatypes.IngestResult{}, err
	}
	added, err := store.Insert(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return datatypes.IngestResult{}, fmt.Errorf("store %q: %w", filename, err)
	}

	i.metrics.RecordIngest(added)
	slog.Info("Successfully processed document",
		"source", filename, "corpus", info.Name, "document_id", docID, "chunks_processed", added)

	return datatypes.IngestResult{
		DocumentID:  docID,
		Filename:    filename,
		Disease:     info.Name,
		ChunksAdded: added,
	}, nil
}

// IngestFile reads path and ingests it under its base name.
func (i *Ingester) IngestFile(ctx context.Context, disease, path string) (datatypes.IngestResult, error) {
	if !SupportedExtension(path) {
		return datatypes.IngestResult{}, fmt.Errorf("%w: %w: %q",
			datatypes.ErrInvalidConfiguration, ErrUnsupportedFileType, filepath.Ext(path))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return datatypes.IngestResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	return i.Ingest(ctx, disease, filepath.Base(path), content)
}

// DeleteDocument removes every chunk of one document.
//
// # Outputs
//
//   - int: Chunks removed.
//   - error: ErrCorpusNotFound for an unknown corpus, ErrDocumentNotFound
//     when the corpus holds no chunk of documentID.
func (i *Ingester) DeleteDocument(ctx context.Context, disease, documentID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Ingester.DeleteDocument")
	defer span.End()

	store, err := i.registry.Get(disease)
	if err != nil {
		return 0, err
	}
	removed, err := store.DeleteDocument(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	if removed == 0 {
		return 0, fmt.Errorf("%w: %s in corpus %s", datatypes.ErrDocumentNotFound, documentID, corpus.SanitizeName(disease))
	}
	slog.Info("Deleted document", "corpus", corpus.SanitizeName(disease), "document_id", documentID, "chunks", removed)
	return removed, nil
}

// =============================================================================
// Decoding and Splitting
// =============================================================================

func decode(filename string, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", datatypes.InvalidConfigurationf("document %q is not valid UTF-8", filename)
	}
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		text, err := FlattenJSON(content)
		if err != nil {
			return "", fmt.Errorf("%w: document %q: %v", datatypes.ErrInvalidConfiguration, filename, err)
		}
		return text, nil
	}
	return string(content), nil
}

func (i *Ingester) split(filename, text string) ([]string, error) {
	separators := defaultSeparators
	if strings.EqualFold(filepath.Ext(filename), ".md") {
		separators = markdownSeparators
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(i.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(i.cfg.ChunkOverlap),
		textsplitter.WithSeparators(separators),
	)
	raw, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", filename, err)
	}
	pieces := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			pieces = append(pieces, p)
		}
	}
	return pieces, nil
}

// embedAll embeds pieces in BatchSize groups, at most Concurrency at a time,
// and returns vectors in piece order.
func (i *Ingester) embedAll(ctx context.Context, pieces []string) ([][]float32, error) {
	vectors := make([][]float32, len(pieces))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)

	for start := 0; start < len(pieces); start += i.cfg.BatchSize {
		end := min(start+i.cfg.BatchSize, len(pieces))
		g.Go(func() error {
			batch, err := i.embedder.EmbedBatch(gCtx, pieces[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedding returned %d vectors for %d chunks", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
