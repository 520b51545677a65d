// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

// DefaultSettleDelay is how long a file must stay quiet before it is ingested.
const DefaultSettleDelay = 500 * time.Millisecond

// Watcher ingests files written into <root>/<disease>/ folders.
//
// # Description
//
// Each direct subdirectory of root names a corpus. A supported file created
// or written in one is ingested once it has been quiet for the settle delay.
// When a file is rewritten, the document ingested from its previous content
// is deleted first so the corpus holds one copy per file.
//
// # Thread Safety
//
// Run must be called once. Close may be called from any goroutine.
type Watcher struct {
	root     string
	ingester *Ingester
	watcher  *fsnotify.Watcher
	settle   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	docs    map[string]string // path -> document id
	wg      sync.WaitGroup

	// onIngest is called after every ingest attempt; tests use it.
	onIngest func(path string, res datatypes.IngestResult, err error)
}

// NewWatcher watches root, creating it when missing, and every disease
// folder already inside it.
func NewWatcher(root string, ingester *Ingester) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating watch directory %s: %w", root, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		ingester: ingester,
		watcher:  fw,
		settle:   DefaultSettleDelay,
		pending:  make(map[string]*time.Timer),
		docs:     make(map[string]string),
	}

	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addFolder(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

// WithSettleDelay overrides DefaultSettleDelay.
func (w *Watcher) WithSettleDelay(d time.Duration) *Watcher {
	w.settle = d
	return w
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("Watching upload folders", "root", w.root)
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

// Close stops the underlying watcher and waits for in-flight ingests.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.stopTimers()
	w.wg.Wait()
	return err
}

func (w *Watcher) addFolder(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch disease folder", "path", dir, "error", err)
		return
	}
	slog.Info("Watching disease folder", "path", dir, "disease", filepath.Base(dir))
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	disease, ok := w.diseaseFor(event.Name)
	if !ok {
		return
	}
	if disease == "" {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && event.Has(fsnotify.Create) {
			w.addFolder(event.Name)
		}
		return
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || !SupportedExtension(base) {
		return
	}
	w.schedule(ctx, disease, event.Name)
}

// diseaseFor maps a path to its disease folder. A path directly under root
// yields ("", true); anything deeper than one folder is ignored.
func (w *Watcher) diseaseFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		return "", true
	case 2:
		return parts[0], true
	default:
		return "", false
	}
}

func (w *Watcher) schedule(ctx context.Context, disease, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		w.ingest(ctx, disease, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, disease, path string) {
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	previous := w.docs[path]
	w.mu.Unlock()

	if previous != "" {
		if _, err := w.ingester.DeleteDocument(ctx, disease, previous); err != nil && !errors.Is(err, datatypes.ErrDocumentNotFound) {
			slog.Warn("Failed to replace previous version of file", "path", path, "document_id", previous, "error", err)
		}
	}

	res, err := w.ingester.IngestFile(ctx, disease, path)
	if err != nil {
		slog.Error("Failed to ingest watched file", "path", path, "disease", disease, "error", err)
	} else {
		w.mu.Lock()
		w.docs[path] = res.DocumentID
		w.mu.Unlock()
	}
	if w.onIngest != nil {
		w.onIngest(path, res, err)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
