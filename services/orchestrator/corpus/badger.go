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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Key layout:
//
//	corpus/<id>                               -> corpusMeta JSON
//	chunk/<id>/<seq:020d>                     -> storedChunk JSON
//	doc/<id>/<document>/<seq:020d>            -> batch id (document index)
//	commit/<id>/<document>/<batch:020d>       -> empty (commit marker)
//
// An insert writes its chunks and index keys through a WriteBatch, then
// writes one commit marker per document. A chunk is visible only once the
// marker for its document and batch exists.
const (
	corpusPrefix  = "corpus/"
	chunkPrefix   = "chunk/"
	docPrefix     = "doc/"
	commitPrefix  = "commit/"
	sequenceKey   = "seq/chunks"
	seqBandwidth  = 1000
	seqKeyPattern = "%020d"
)

type corpusMeta struct {
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type storedChunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Vector     []byte `json:"vector"`
	Filename   string `json:"filename"`
	Position   int    `json:"position"`
	Seq        uint64 `json:"seq"`
	Batch      uint64 `json:"batch"`
}

func chunkKey(corpusID string, seq uint64) []byte {
	return []byte(chunkPrefix + corpusID + "/" + fmt.Sprintf(seqKeyPattern, seq))
}

func docKey(corpusID, documentID string, seq uint64) []byte {
	return []byte(docPrefix + corpusID + "/" + documentID + "/" + fmt.Sprintf(seqKeyPattern, seq))
}

func commitKey(corpusID, documentID string, batch uint64) []byte {
	return []byte(commitPrefix + corpusID + "/" + commitID(documentID, batch))
}

// commitID is the suffix of a commit key after the corpus prefix.
func commitID(documentID string, batch uint64) string {
	return documentID + "/" + fmt.Sprintf(seqKeyPattern, batch)
}

// encodeVector packs an embedding as little-endian float32s.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// =============================================================================
// Badger Backend
// =============================================================================

// BadgerBackend stores every corpus in one embedded badger database.
//
// # Description
//
// Each corpus occupies its own key prefixes. Inserts are split across as many
// transactions as badger needs and become visible when their commit markers
// land, so a document of any size appears all at once. A search is a single
// read-only transaction and observes a consistent snapshot. Insertion order
// comes from a persistent badger sequence and survives restarts.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerBackend struct {
	db  *badger.DB
	seq *badger.Sequence
	gc  *gcRunner

	mu     sync.Mutex
	stores map[string]*BadgerStore
}

var _ Backend = (*BadgerBackend)(nil)

// NewBadgerBackend opens the database and starts value-log GC when
// configured.
func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(sequenceKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open chunk sequence: %w", err)
	}

	b := &BadgerBackend{db: db, seq: seq, stores: make(map[string]*BadgerStore)}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio)
		if err != nil {
			seq.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		b.gc = runner
		runner.start()
	}
	return b, nil
}

// Name implements Backend.
func (b *BadgerBackend) Name() string { return "badger" }

// Open implements Backend.
func (b *BadgerBackend) Open(ctx context.Context, corpusID, displayName string) (ChunkStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stores[corpusID]; ok {
		return s, nil
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		key := []byte(corpusPrefix + corpusID)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		raw, err := json.Marshal(corpusMeta{DisplayName: displayName, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("write corpus metadata: %w", err)
	}

	s := &BadgerStore{corpusID: corpusID, db: b.db, seq: b.seq}
	b.stores[corpusID] = s
	return s, nil
}

// Drop implements Backend.
func (b *BadgerBackend) Drop(_ context.Context, corpusID string) error {
	b.mu.Lock()
	delete(b.stores, corpusID)
	b.mu.Unlock()

	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(corpusPrefix + corpusID))
	}); err != nil {
		return fmt.Errorf("delete corpus metadata: %w", err)
	}
	return b.db.DropPrefix(
		[]byte(chunkPrefix+corpusID+"/"),
		[]byte(docPrefix+corpusID+"/"),
		[]byte(commitPrefix+corpusID+"/"),
	)
}

// Discover implements Backend.
func (b *BadgerBackend) Discover(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(corpusPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(corpusPrefix):])
			var meta corpusMeta
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode metadata of %q: %w", id, err)
			}
			out[id] = meta.DisplayName
		}
		return nil
	})
	return out, err
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	if b.gc != nil {
		b.gc.stop()
	}
	if err := b.seq.Release(); err != nil {
		slog.Warn("Failed to release badger sequence", "error", err)
	}
	return b.db.Close()
}

// =============================================================================
// Badger Store
// =============================================================================

// BadgerStore is the ChunkStore view of one corpus inside a BadgerBackend.
type BadgerStore struct {
	corpusID string
	db       *badger.DB
	seq      *badger.Sequence
}

var _ ChunkStore = (*BadgerStore)(nil)

// Insert implements ChunkStore.
//
// Chunks are written through a badger WriteBatch, which commits in as many
// transactions as the payload needs. The commit markers are written last in
// one transaction. Chunks left behind by a failed insert have no marker and
// stay invisible; Insert deletes them on a best-effort basis.
func (s *BadgerStore) Insert(ctx context.Context, chunks []datatypes.Chunk) (int, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("corpus.id", s.corpusID), attribute.Int("chunks", len(chunks)))

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := validateChunks(chunks); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	written, err := s.writeChunks(ctx, chunks)
	if err == nil {
		err = s.commit(chunks, written)
	}
	if err != nil {
		s.discard(chunks, written)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return 0, fmt.Errorf("insert chunks into %q: %w", s.corpusID, err)
	}
	return len(chunks), nil
}

// writeChunks stores chunks and their index keys without making them
// visible. It returns the sequence assigned to each chunk written so far;
// the first sequence is the batch id.
func (s *BadgerStore) writeChunks(ctx context.Context, chunks []datatypes.Chunk) ([]uint64, error) {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	seqs := make([]uint64, 0, len(chunks))
	var batch uint64
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return seqs, err
		}
		seq, err := s.nextSeq()
		if err != nil {
			return seqs, err
		}
		if batch == 0 {
			batch = seq
		}
		raw, err := json.Marshal(storedChunk{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			Vector:     encodeVector(c.Embedding),
			Filename:   c.SourceFilename,
			Position:   c.Position,
			Seq:        seq,
			Batch:      batch,
		})
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, seq)
		if err := wb.Set(chunkKey(s.corpusID, seq), raw); err != nil {
			return seqs, err
		}
		if err := wb.Set(docKey(s.corpusID, c.DocumentID, seq), []byte(strconv.FormatUint(batch, 10))); err != nil {
			return seqs, err
		}
	}
	return seqs, wb.Flush()
}

// nextSeq returns the next chunk sequence. Sequence 0 is never handed out so
// that Seq=0 means "unassigned".
func (s *BadgerStore) nextSeq() (uint64, error) {
	seq, err := s.seq.Next()
	if err == nil && seq == 0 {
		seq, err = s.seq.Next()
	}
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// commit writes one marker per document in a single transaction.
func (s *BadgerStore) commit(chunks []datatypes.Chunk, seqs []uint64) error {
	batch := seqs[0]
	return s.db.Update(func(txn *badger.Txn) error {
		seen := make(map[string]bool)
		for _, c := range chunks {
			if seen[c.DocumentID] {
				continue
			}
			seen[c.DocumentID] = true
			if err := txn.Set(commitKey(s.corpusID, c.DocumentID, batch), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// discard removes the keys of an insert that never committed.
func (s *BadgerStore) discard(chunks []datatypes.Chunk, seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, seq := range seqs {
		if err := wb.Delete(chunkKey(s.corpusID, seq)); err != nil {
			break
		}
		if err := wb.Delete(docKey(s.corpusID, chunks[i].DocumentID, seq)); err != nil {
			break
		}
	}
	if err := wb.Flush(); err != nil {
		slog.Warn("Failed to discard uncommitted chunks", "corpus_id", s.corpusID, "chunks", len(seqs), "error", err)
	}
}

// Search implements ChunkStore.
func (s *BadgerStore) Search(ctx context.Context, embedding []float32, k int) ([]datatypes.RetrievedChunk, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("corpus.id", s.corpusID), attribute.Int("k", k))

	var scored []datatypes.RetrievedChunk
	err := s.scan(ctx, func(c datatypes.Chunk) {
		scored = append(scored, datatypes.RetrievedChunk{Chunk: c, RelevanceScore: Relevance(embedding, c.Embedding)})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rankChunks(scored, k), nil
}

// DeleteDocument implements ChunkStore. Index keys, chunks and commit
// markers of the document are removed in one transaction.
func (s *BadgerStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	prefix := []byte(docPrefix + s.corpusID + "/" + documentID + "/")
	markers := []byte(commitPrefix + s.corpusID + "/" + documentID + "/")
	err := s.db.Update(func(txn *badger.Txn) error {
		committed := s.committed(txn)
		keys := keysWithPrefix(txn, markers)
		type indexEntry struct {
			key   []byte
			batch string
		}
		var entries []indexEntry
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			batch, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			entries = append(entries, indexEntry{key: it.Item().KeyCopy(nil), batch: string(batch)})
		}
		it.Close()

		for _, e := range entries {
			seq, err := strconv.ParseUint(string(e.key[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("parse index key %q: %w", e.key, err)
			}
			if err := txn.Delete(chunkKey(s.corpusID, seq)); err != nil {
				return err
			}
			if err := txn.Delete(e.key); err != nil {
				return err
			}
			if isCommitted(committed, documentID, e.batch) {
				removed++
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete document %q from %q: %w", documentID, s.corpusID, err)
	}
	return removed, nil
}

// Documents implements ChunkStore.
func (s *BadgerStore) Documents(ctx context.Context) ([]datatypes.DocumentInfo, error) {
	var chunks []datatypes.Chunk
	if err := s.scan(ctx, func(c datatypes.Chunk) {
		c.Embedding = nil
		chunks = append(chunks, c)
	}); err != nil {
		return nil, err
	}
	return summarizeDocuments(chunks), nil
}

// Count implements ChunkStore. Only committed chunks are counted.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	prefix := []byte(docPrefix + s.corpusID + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		committed := s.committed(txn)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			slash := strings.LastIndexByte(rest, '/')
			if slash < 0 {
				continue
			}
			if err := it.Item().Value(func(batch []byte) error {
				if isCommitted(committed, rest[:slash], string(batch)) {
					count++
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

// scan visits every committed chunk of the corpus in insertion order inside
// one read-only transaction.
func (s *BadgerStore) scan(ctx context.Context, visit func(datatypes.Chunk)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		committed := s.committed(txn)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkPrefix + s.corpusID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sc storedChunk
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sc)
			}); err != nil {
				return fmt.Errorf("decode chunk %q: %w", it.Item().Key(), err)
			}
			if !committed[commitID(sc.DocumentID, sc.Batch)] {
				continue
			}
			embedding, err := decodeVector(sc.Vector)
			if err != nil {
				return fmt.Errorf("decode chunk %q: %w", it.Item().Key(), err)
			}
			visit(datatypes.Chunk{
				ID:             sc.ID,
				CorpusID:       s.corpusID,
				DocumentID:     sc.DocumentID,
				Text:           sc.Text,
				Embedding:      embedding,
				SourceFilename: sc.Filename,
				Position:       sc.Position,
				Seq:            sc.Seq,
			})
		}
		return nil
	})
}

// committed returns the set of commit ids ("<document>/<batch:020d>") of the
// corpus visible to txn.
func (s *BadgerStore) committed(txn *badger.Txn) map[string]bool {
	prefix := []byte(commitPrefix + s.corpusID + "/")
	keys := keysWithPrefix(txn, prefix)
	out := make(map[string]bool, len(keys))
	for _, key := range keys {
		out[string(key[len(prefix):])] = true
	}
	return out
}

// isCommitted looks up a document index entry, whose value is the batch id
// in decimal.
func isCommitted(committed map[string]bool, documentID, batch string) bool {
	n, err := strconv.ParseUint(batch, 10, 64)
	if err != nil {
		return false
	}
	return committed[commitID(documentID, n)]
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
