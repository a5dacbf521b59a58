// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker records what a search stream produced so it can be stored
// as the message's final content once the stream ends.
package tracker

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/pipeline"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
)

// Fields mirrored from every tracked event when present.
const (
	FieldQuery             = "query"
	FieldAnswer            = "answer"
	FieldDebug             = "debug"
	FieldDialogID          = "dialog_id"
	FieldPrompt            = "prompt"
	FieldQuestionRecommend = "question_recommend"
)

// Tracker accumulates the persisted content of one message.
//
// # Description
//
// Track copies the mirrored fields of each event that passes the request
// filter, later values replacing earlier ones. The consumer adds derived
// fields (merged references, cited answer, reasoning, diagnosis steps)
// through Set. StoreFinalRecord writes the accumulated content with the
// elapsed time as cost.
//
// # Thread Safety
//
// Safe for concurrent use. The consumer tracks while the flush goroutine
// waits to store.
type Tracker struct {
	mu      sync.Mutex
	content map[string]any
	cancel  context.CancelFunc
	store   storage.Store
	logger  *logging.Logger
	started time.Time
	now     func() time.Time
}

var _ pipeline.Tracker = (*Tracker)(nil)

// New creates a Tracker that writes to store. The cost clock starts now.
func New(store storage.Store, logger *logging.Logger) *Tracker {
	return &Tracker{
		content: make(map[string]any),
		store:   store,
		logger:  logging.OrDefault(logger),
		started: time.Now(),
		now:     time.Now,
	}
}

// Track mirrors the fields of ev that are set.
func (t *Tracker) Track(ev *datatypes.Event) {
	if ev == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Query != nil {
		t.content[FieldQuery] = *ev.Query
	}
	if ev.Answer != nil {
		t.content[FieldAnswer] = *ev.Answer
	}
	if ev.Debug != nil {
		t.content[FieldDebug] = ev.Debug
	}
	if ev.DialogID != nil {
		t.content[FieldDialogID] = *ev.DialogID
	}
	if ev.Prompt != nil {
		t.content[FieldPrompt] = *ev.Prompt
	}
	if ev.QuestionRecommend != nil {
		t.content[FieldQuestionRecommend] = ev.QuestionRecommend
	}
}

// Set stores a derived field.
func (t *Tracker) Set(field string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content[field] = value
}

// Content returns a shallow copy of the tracked content.
func (t *Tracker) Content() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.content)
}

// Bind attaches the cancel function of the producer feeding this stream.
func (t *Tracker) Bind(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

// Untrack cancels the bound producer, if any. Safe to call repeatedly.
func (t *Tracker) Untrack() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Elapsed returns seconds since the tracker was created, to millisecond
// precision.
func (t *Tracker) Elapsed() float64 {
	return math.Round(t.now().Sub(t.started).Seconds()*1000) / 1000
}

// StoreFinalRecord upserts the tracked content as the message's final state.
//
// # Inputs
//
//   - ctx: Should outlive the request; the flush runs after the client left.
//   - dialogID, messageID: Identify the row. An empty messageID creates one.
//   - sources: The request's sources, stored verbatim.
//   - domain: Storage domain of the request.
//
// # Outputs
//
//   - string: The message id.
//   - error: Non-nil if the store rejected the write.
func (t *Tracker) StoreFinalRecord(ctx context.Context, dialogID, messageID string, sources []map[string]any, domain string) (string, error) {
	msg := storage.Message{
		ID:       messageID,
		DialogID: dialogID,
		Content:  t.Content(),
		Sources:  sources,
		Cost:     t.Elapsed(),
		Domain:   domain,
	}
	id, err := t.store.UpsertMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("store final record of %s: %w", messageID, err)
	}
	t.logger.Debug("final record stored", "dialog_id", dialogID, "message_id", id, "cost", msg.Cost)
	return id, nil
}
