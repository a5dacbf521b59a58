// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements storage.Store on an embedded BadgerDB.
//
// Used for single-node deployments without Mongo and for tests (in-memory
// mode). Rows are JSON encoded. Key layout:
//
//	dialog/{id}                                 Dialog
//	message/{id}                                messageRecord
//	history/{domain}/{dialog_id}/{seq}/{id}     empty, orders a dialog's messages
//
// seq comes from a badger Sequence, so history keys sort in creation order.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	dialogPrefix  = "dialog/"
	messagePrefix = "message/"
	historyPrefix = "history/"
	seqKey        = "seq/message"
	seqBandwidth  = 100
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC. Ignored in memory.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before a value log
	// file is rewritten. Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger routes BadgerDB's internal logging into the service logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// messageRecord is the stored form of a message.
type messageRecord struct {
	storage.Message
	Seq uint64 `json:"seq"`
}

// Store is a storage.Store backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Upserts run in a read-write transaction and are
// retried once on conflict.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *logging.Logger
	now    func() time.Time

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Open opens the database and starts value log GC when configured.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is true.
//   - logger: Optional. nil uses logging.Default().
//
// # Outputs
//
//   - *Store: Ready store. Call Close when done.
//   - error: Non-nil if the path is invalid or the database cannot be opened.
func Open(cfg Config, logger *logging.Logger) (*Store, error) {
	logger = logging.OrDefault(logger)
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open message sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, logger: logger, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// AddDialog stores d under a new uuid.
func (s *Store) AddDialog(ctx context.Context, d storage.Dialog) (string, error) {
	d.ID = uuid.NewString()
	d.Deleted = false
	d.Activated = false
	d.Time = storage.Now(s.now())
	if d.Sources == nil {
		d.Sources = []map[string]any{}
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, dialogPrefix+d.ID, d)
	})
	if err != nil {
		return "", fmt.Errorf("insert dialog: %w", err)
	}
	return d.ID, nil
}

// ActivateDialog sets Activated on the dialog.
func (s *Store) ActivateDialog(ctx context.Context, dialogID string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		var d storage.Dialog
		if err := getJSON(txn, dialogPrefix+dialogID, &d); err != nil {
			return err
		}
		d.Activated = true
		return putJSON(txn, dialogPrefix+dialogID, d)
	})
	if err != nil {
		return fmt.Errorf("activate dialog %s: %w", dialogID, err)
	}
	return nil
}

// History returns the latest limit message contents, oldest first.
func (s *Store) History(ctx context.Context, domain, dialogID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	var history []map[string]any
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(historyKeyPrefix(domain, dialogID))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		seek := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[bytes.LastIndexByte(key, '/')+1:]))
		}

		history = make([]map[string]any, 0, len(ids))
		for _, id := range slices.Backward(ids) {
			var rec messageRecord
			if err := getJSON(txn, messagePrefix+id, &rec); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					s.logger.Warn("history entry without message", "message_id", id)
					continue
				}
				return err
			}
			if storage.HasContent(rec.Content) {
				history = append(history, rec.Content)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", dialogID, err)
	}
	return history, nil
}

// UpsertMessage writes m, keeping its creation order and stop flags. A nil
// EnableThink keeps the stored value.
func (s *Store) UpsertMessage(ctx context.Context, m storage.Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Like, m.Dislike = false, false
	m.Time = storage.Now(s.now())
	if m.Sources == nil {
		m.Sources = []map[string]any{}
	}
	if m.Content == nil {
		m.Content = map[string]any{}
	}

	write := func(txn *badger.Txn) error {
		rec := messageRecord{Message: m}
		var prev messageRecord
		err := getJSON(txn, messagePrefix+m.ID, &prev)
		switch {
		case err == nil:
			rec.Seq = prev.Seq
			rec.StopGenerating = prev.StopGenerating
			rec.StopReason = prev.StopReason
			if rec.EnableThink == nil {
				rec.EnableThink = prev.EnableThink
			}
			if prev.Domain != m.Domain || prev.DialogID != m.DialogID {
				if err := txn.Delete([]byte(historyKey(prev))); err != nil {
					return err
				}
			}
		case errors.Is(err, storage.ErrNotFound):
			seq, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("next message sequence: %w", err)
			}
			rec.Seq = seq
		default:
			return err
		}
		if err := putJSON(txn, messagePrefix+m.ID, rec); err != nil {
			return err
		}
		return txn.Set([]byte(historyKey(rec)), nil)
	}

	err := s.update(ctx, write)
	if errors.Is(err, badger.ErrConflict) {
		err = s.update(ctx, write)
	}
	if err != nil {
		return "", fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return m.ID, nil
}

// ClearStopGenerating removes the stop flag. Unknown ids are ignored.
func (s *Store) ClearStopGenerating(ctx context.Context, messageID string) error {
	err := s.updateMessage(ctx, messageID, func(rec *messageRecord) {
		rec.StopGenerating = false
		rec.StopReason = ""
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("clear stop generating %s: %w", messageID, err)
	}
	return nil
}

// StopGenerating flags the message as stopped for reason.
func (s *Store) StopGenerating(ctx context.Context, messageID, reason string) error {
	err := s.updateMessage(ctx, messageID, func(rec *messageRecord) {
		rec.StopGenerating = true
		rec.StopReason = reason
	})
	if err != nil {
		return fmt.Errorf("stop generating %s: %w", messageID, err)
	}
	return nil
}

// Message returns a stored message.
func (s *Store) Message(ctx context.Context, messageID string) (storage.Message, error) {
	var rec messageRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, messagePrefix+messageID, &rec)
	})
	return rec.Message, err
}

// Dialog returns a stored dialog.
func (s *Store) Dialog(ctx context.Context, dialogID string) (storage.Dialog, error) {
	var d storage.Dialog
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, dialogPrefix+dialogID, &d)
	})
	return d, err
}

// Close stops GC, releases the sequence and closes the database.
func (s *Store) Close(context.Context) error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release message sequence failed", "error", err)
	}
	return s.db.Close()
}

// =============================================================================
// Internal
// =============================================================================

func (s *Store) updateMessage(ctx context.Context, messageID string, fn func(*messageRecord)) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var rec messageRecord
		if err := getJSON(txn, messagePrefix+messageID, &rec); err != nil {
			return err
		}
		fn(&rec)
		return putJSON(txn, messagePrefix+messageID, rec)
	})
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func historyKeyPrefix(domain, dialogID string) string {
	return historyPrefix + domain + "/" + dialogID + "/"
}

func historyKey(rec messageRecord) string {
	return fmt.Sprintf("%s%020d/%s", historyKeyPrefix(rec.Domain, rec.DialogID), rec.Seq, rec.ID)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}
