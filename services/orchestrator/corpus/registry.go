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
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Registry
// =============================================================================

type registryEntry struct {
	store       ChunkStore
	displayName string
}

// Registry maps corpus ids to open ChunkStore handles.
//
// # Description
//
// The registry is owned by whoever constructs it (the service, or a test);
// there is no package-level instance. Corpora come into existence only
// through Create or Restore and leave only through Delete.
//
// # Thread Safety
//
// Safe for concurrent use. Lookups take a read lock; lifecycle changes take
// the write lock.
type Registry struct {
	backend Backend

	mu      sync.RWMutex
	corpora map[string]*registryEntry
}

// NewRegistry creates an empty registry on backend.
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		corpora: make(map[string]*registryEntry),
	}
}

// Backend returns the storage backend name.
func (r *Registry) Backend() string {
	return r.backend.Name()
}

// Restore opens every corpus the backend already holds.
//
// # Description
//
// Called once at startup so that corpora created by an earlier process are
// queryable without being re-created.
//
// # Outputs
//
//   - int: Number of corpora restored.
//   - error: Non-nil if discovery or any Open fails.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	found, err := r.backend.Discover(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover corpora on %s: %w", r.backend.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, display := range found {
		if _, ok := r.corpora[id]; ok {
			continue
		}
		store, err := r.backend.Open(ctx, id, display)
		if err != nil {
			return len(r.corpora), fmt.Errorf("open corpus %q: %w", id, err)
		}
		r.corpora[id] = &registryEntry{store: store, displayName: display}
	}
	slog.Info("Restored corpora", "backend", r.backend.Name(), "count", len(r.corpora))
	return len(r.corpora), nil
}

// Create registers a corpus, creating it in the backend when needed.
//
// # Description
//
// Create is idempotent: creating an existing corpus returns its current
// info. The display name is kept as given; the id is SanitizeName(name).
//
// # Examples
//
//	info, err := reg.Create(ctx, "Type 2 Diabetes")
//	// info.Name == "type_2_diabetes", info.DisplayName == "Type 2 Diabetes"
func (r *Registry) Create(ctx context.Context, name string) (datatypes.CorpusInfo, error) {
	ctx, span := tracer.Start(ctx, "Registry.Create")
	defer span.End()

	id := SanitizeName(name)
	span.SetAttributes(attribute.String("corpus.id", id))

	r.mu.Lock()
	entry, ok := r.corpora[id]
	if !ok {
		store, err := r.backend.Open(ctx, id, name)
		if err != nil {
			r.mu.Unlock()
			span.RecordError(err)
			return datatypes.CorpusInfo{}, fmt.Errorf("create corpus %q: %w", id, err)
		}
		entry = &registryEntry{store: store, displayName: name}
		r.corpora[id] = entry
		slog.Info("Created corpus", "corpus", id, "display_name", name, "backend", r.backend.Name())
	}
	r.mu.Unlock()

	return describe(ctx, id, entry)
}

// Get returns the store for a corpus name or id.
//
// # Outputs
//
//   - ChunkStore: The open store.
//   - error: datatypes.ErrCorpusNotFound when the corpus is not registered.
func (r *Registry) Get(name string) (ChunkStore, error) {
	id := SanitizeName(name)
	r.mu.RLock()
	entry, ok := r.corpora[id]
	r.mu.RUnlock()
	if !ok {
		return nil, datatypes.CorpusNotFoundf(id)
	}
	return entry.store, nil
}

// Exists reports whether a corpus is registered.
func (r *Registry) Exists(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Info returns the summary of one corpus.
func (r *Registry) Info(ctx context.Context, name string) (datatypes.CorpusInfo, error) {
	id := SanitizeName(name)
	r.mu.RLock()
	entry, ok := r.corpora[id]
	r.mu.RUnlock()
	if !ok {
		return datatypes.CorpusInfo{}, datatypes.CorpusNotFoundf(id)
	}
	return describe(ctx, id, entry)
}

// Delete unregisters a corpus and drops its data from the backend.
//
// # Outputs
//
//   - error: datatypes.ErrCorpusNotFound when the corpus is not registered,
//     or the backend error from Drop.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Registry.Delete")
	defer span.End()

	id := SanitizeName(name)
	span.SetAttributes(attribute.String("corpus.id", id))

	r.mu.Lock()
	if _, ok := r.corpora[id]; !ok {
		r.mu.Unlock()
		return datatypes.CorpusNotFoundf(id)
	}
	delete(r.corpora, id)
	r.mu.Unlock()

	if err := r.backend.Drop(ctx, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("drop corpus %q: %w", id, err)
	}
	slog.Info("Deleted corpus", "corpus", id, "backend", r.backend.Name())
	return nil
}

// List returns every registered corpus ordered by id.
func (r *Registry) List(ctx context.Context) ([]datatypes.CorpusInfo, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.corpora))
	entries := make(map[string]*registryEntry, len(r.corpora))
	for id, e := range r.corpora {
		ids = append(ids, id)
		entries[id] = e
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	out := make([]datatypes.CorpusInfo, 0, len(ids))
	for _, id := range ids {
		info, err := describe(ctx, id, entries[id])
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Close closes the backend. The registry must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.corpora = make(map[string]*registryEntry)
	r.mu.Unlock()
	return r.backend.Close()
}

func describe(ctx context.Context, id string, entry *registryEntry) (datatypes.CorpusInfo, error) {
	docs, err := entry.store.Documents(ctx)
	if err != nil {
		return datatypes.CorpusInfo{}, fmt.Errorf("list documents of %q: %w", id, err)
	}
	count, err := entry.store.Count(ctx)
	if err != nil {
		return datatypes.CorpusInfo{}, fmt.Errorf("count chunks of %q: %w", id, err)
	}
	return datatypes.CorpusInfo{
		Name:          id,
		DisplayName:   entry.displayName,
		DocumentCount: len(docs),
		ChunkCount:    count,
	}, nil
}
