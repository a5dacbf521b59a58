// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
	"github.com/healthassist/streamsearch/services/streamsearch/storage/badgerstore"
)

func newTestTracker(t *testing.T) (*Tracker, *badgerstore.Store) {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig(), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return New(store, logging.Nop()), store
}

func TestTracker_TrackMirrorsSetFields(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Track(datatypes.NewReceived("感冒", "d1", "m1", map[string]any{"trace_id": "t"}))
	tr.Track(datatypes.NewAnswer(datatypes.KindAnswering, "多", nil))
	tr.Track(datatypes.NewAnswer(datatypes.KindAnswering, "多喝水", nil))
	tr.Track(datatypes.NewQuestionRecommend([]string{"q1"}))
	tr.Track(datatypes.NewEvent(datatypes.KindFinished))
	tr.Track(nil)

	assert.Equal(t, map[string]any{
		FieldQuery:             "感冒",
		FieldDialogID:          "d1",
		FieldAnswer:            "多喝水",
		FieldQuestionRecommend: []string{"q1"},
	}, tr.Content())
}

func TestTracker_SetOverridesTracked(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.Track(datatypes.NewDebug(map[string]any{"prompt": "p"}))
	tr.Set(FieldDebug, map[string]any{"all": true})
	tr.Set("primary_diagnose", "感冒")

	content := tr.Content()
	assert.Equal(t, map[string]any{"all": true}, content[FieldDebug])
	assert.Equal(t, "感冒", content["primary_diagnose"])
}

func TestTracker_ContentIsCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Set("a", 1)

	content := tr.Content()
	content["b"] = 2

	assert.NotContains(t, tr.Content(), "b")
}

func TestTracker_Untrack(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Untrack()

	ctx, cancel := context.WithCancel(context.Background())
	tr.Bind(cancel)
	tr.Untrack()
	tr.Untrack()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestTracker_Elapsed(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.started = time.Unix(100, 0)
	tr.now = func() time.Time { return time.Unix(101, 234567890) }

	assert.Equal(t, 1.235, tr.Elapsed())
}

func TestTracker_StoreFinalRecord(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()
	tr.started = time.Unix(100, 0)
	tr.now = func() time.Time { return time.Unix(102, 0) }

	tr.Track(datatypes.NewReceived("感冒", "d1", "", nil))
	tr.Set("answer_with_cite", "多喝水[^0.0]")
	sources := []map[string]any{{"type": "public"}}

	id, err := tr.StoreFinalRecord(ctx, "d1", "", sources, "search")
	require.NoError(t, err)

	msg, err := store.Message(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "感冒", msg.Content["query"])
	assert.Equal(t, "多喝水[^0.0]", msg.Content["answer_with_cite"])
	assert.Equal(t, 2.0, msg.Cost)
	assert.Equal(t, "search", msg.Domain)
	assert.Equal(t, "public", msg.Sources[0]["type"])
	assert.Nil(t, msg.EnableThink)

	history, err := store.History(ctx, "search", "d1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// failingStore rejects every write.
type failingStore struct {
	storage.Store
}

func (failingStore) UpsertMessage(context.Context, storage.Message) (string, error) {
	return "", errors.New("disk full")
}

func TestTracker_StoreFinalRecordFailure(t *testing.T) {
	tr := New(failingStore{}, logging.Nop())

	_, err := tr.StoreFinalRecord(context.Background(), "d1", "m1", nil, "search")
	assert.ErrorContains(t, err, "disk full")
}
