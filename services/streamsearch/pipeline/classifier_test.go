// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/pkg/sse"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
)

type classifierFixture struct {
	classifier *Classifier
	state      *RequestState
	queue      *Queue
	rec        *fakeRecommender
	logs       *observer.ObservedLogs
	metrics    *observability.StreamingMetrics
}

func newClassifierFixture(t *testing.T) *classifierFixture {
	t.Helper()
	logger, logs := logging.NewObserved(logging.LevelDebug)
	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	rec := &fakeRecommender{result: recommend.Result{
		DialQuestions: []string{"a", "b", "c"},
		RagQuestions:  []string{"x", "y"},
	}}
	state := NewRequestState(rec, logger, metrics)
	queue := NewQueue()
	c := NewClassifier(ClassifierConfig{
		DialogID:    "dlg-1",
		ChatHistory: []map[string]any{{"role": "user", "content": "感冒"}},
		Pick:        func(int) int { return 0 },
	}, state, queue, logger, metrics)
	t.Cleanup(state.CancelJobs)
	return &classifierFixture{classifier: c, state: state, queue: queue, rec: rec, logs: logs, metrics: metrics}
}

func (f *classifierFixture) handle(t *testing.T, raw string) error {
	t.Helper()
	return f.classifier.Handle(context.Background(), frame(t, raw), nil)
}

// =============================================================================
// Terminal Payloads
// =============================================================================

func TestClassifier_MsgInfo(t *testing.T) {
	f := newClassifierFixture(t)

	err := f.handle(t, `{"msg_info":"model overloaded","event":"answering"}`)

	assert.ErrorIs(t, err, sse.ErrStop)
	events := drain(t, f.queue)
	assert.Equal(t, []datatypes.Kind{datatypes.KindDebug, datatypes.KindError, datatypes.KindFinished}, kinds(events))
	assert.Equal(t, "model overloaded", events[1].Meta["msg"])
	assert.Equal(t, "dlg-1", *events[1].DialogID)
	assert.Equal(t, "model overloaded", events[0].Debug["msg_info"])
	assert.True(t, f.queue.Closed())

	_, err = f.queue.Get(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("search_stream", "upstream_failure")))
}

func TestClassifier_MissingEventKind(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"reference_list":[{"title":"t"}],"debug":{"k":1}}`))

	assert.Empty(t, drain(t, f.queue))
	assert.Equal(t, 1, f.logs.FilterMessage("cannot get event type").Len())
}

func TestClassifier_DecodeErrorDropped(t *testing.T) {
	f := newClassifierFixture(t)

	err := f.classifier.Handle(context.Background(), sse.Event{Data: "not json"},
		&sse.PayloadDecodeError{Data: "not json", Err: errors.New("bad")})

	require.NoError(t, err)
	assert.Empty(t, drain(t, f.queue))
	assert.Equal(t, 1, f.logs.FilterMessage("dropping undecodable upstream frame").Len())
}

func TestClassifier_UnknownKind(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"index_router","x":1}`))
	require.NoError(t, f.handle(t, `{"event":"something_new"}`))

	assert.Empty(t, drain(t, f.queue))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.UnknownEventsTotal))
	entries := f.logs.FilterMessage("dropping upstream payload").All()
	require.Len(t, entries, 2)
}

// =============================================================================
// Side Data
// =============================================================================

func TestClassifier_SideKeysBeforeDispatch(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"query_understood","reference_list":[{"title":"t"}],"debug":{"k":1}}`))

	events := drain(t, f.queue)
	assert.Equal(t, []datatypes.Kind{datatypes.KindRecalled, datatypes.KindDebug, datatypes.KindQueryUnderstood}, kinds(events))
	assert.Equal(t, map[string]any{"k": float64(1)}, events[1].Debug)
}

func TestClassifier_DocReranked(t *testing.T) {
	f := newClassifierFixture(t)

	raw := `{"event":"rerank","doc_reranked":[` +
		`["d0",{"fields":{"doc_id":"a1","content":"第一篇"}},0.9,null,null,"idx-a"],` +
		`["d1",{"fields":{"doc_id":7,"content":"第二篇"}},0.5,null,null,"idx-b"]]}`
	require.NoError(t, f.handle(t, raw))

	events := drain(t, f.queue)
	require.Equal(t, []datatypes.Kind{datatypes.KindDocReranked}, kinds(events))
	assert.Len(t, events[0].Reference, 2)
	assert.Equal(t, CitedDocument{Index: "idx-a", DocID: "a1", Content: "第一篇"}, f.state.CiteIdxToReference[0])
	assert.Equal(t, CitedDocument{Index: "idx-b", DocID: float64(7), Content: "第二篇"}, f.state.CiteIdxToReference[1])
}

func TestClassifier_QueryFixedListStartsContextJobOnce(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":["q1","感冒 治疗"]}`))
	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":["again"]}`))
	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":[]}`))
	_, err := f.state.ContextJob.Wait(context.Background())
	require.NoError(t, err)

	requests := f.rec.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "感冒 治疗", requests[0].RewrittenQuery)
	assert.Equal(t, []map[string]any{{"role": "user", "content": "感冒"}}, requests[0].ChatHistory)
	assert.Empty(t, requests[0].References)
}

func TestClassifier_TraceChecksCiteIndexes(t *testing.T) {
	f := newClassifierFixture(t)
	f.state.CiteIdxToReference[0] = CitedDocument{Index: "i"}

	require.NoError(t, f.handle(t, `{"event":"trace","trace_info":[{"cite_idx":[0,4]}]}`))

	events := drain(t, f.queue)
	require.Equal(t, []datatypes.Kind{datatypes.KindTrace}, kinds(events))
	assert.Contains(t, events[0].Trace, "trace_info")
	entries := f.logs.FilterMessage("trace cites unknown document").All()
	require.Len(t, entries, 1)
}

// =============================================================================
// Dispatch
// =============================================================================

func TestClassifier_DebugKindStripsDiscriminant(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"debug","recall":{"n":3}}`))

	events := drain(t, f.queue)
	require.Equal(t, []datatypes.Kind{datatypes.KindDebug}, kinds(events))
	assert.Equal(t, map[string]any{"recall": map[string]any{"n": float64(3)}}, events[0].Debug)
}

func TestClassifier_AnswerAndRefineAnswer(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"answer","answer":"感冒"}`))
	require.NoError(t, f.handle(t, `{"event":"refine_answer","refine_answer":"感冒药"}`))

	events := drain(t, f.queue)
	assert.Equal(t, []datatypes.Kind{datatypes.KindAnswering, datatypes.KindAnswering}, kinds(events))
	assert.Equal(t, "感冒", events[0].AnswerText())
	assert.Equal(t, "感冒药", events[1].AnswerText())
}

func TestClassifier_DoctorInfo(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"department","department":{"name":"呼吸科"},"extra":1}`))

	events := drain(t, f.queue)
	require.Equal(t, []datatypes.Kind{datatypes.KindDepartment, datatypes.KindDebug}, kinds(events))
	assert.Equal(t, map[string]any{"name": "呼吸科"}, events[0].Info)
	assert.NotContains(t, events[1].Debug, "event")
	assert.Contains(t, events[1].Debug, "department")
}

func TestClassifier_AnsweringTextSources(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"answering","answer":"一"}`))
	require.NoError(t, f.handle(t, `{"event":"answer_content","messages":[{"content":{"parts":[{"content":"一二"}]}}]}`))
	require.NoError(t, f.handle(t, `{"event":"answering"}`))
	require.NoError(t, f.handle(t, `{"event":"answer_thinking","answer":"想"}`))
	require.NoError(t, f.handle(t, `{"event":"answering","messages":[]}`))

	events := drain(t, f.queue)
	assert.Equal(t, []datatypes.Kind{
		datatypes.KindAnswering, datatypes.KindAnswering, datatypes.KindAnswering, datatypes.KindAnswerThinking,
	}, kinds(events))
	assert.Equal(t, "一", events[0].AnswerText())
	assert.Equal(t, "一二", events[1].AnswerText())
	assert.Equal(t, "一二", events[2].AnswerText(), "falls back to the last resolved text")
	assert.Equal(t, "想", events[3].AnswerText())
}

func TestClassifier_CitedAnswerStartsReferenceJobOnce(t *testing.T) {
	f := newClassifierFixture(t)
	f.state.CiteIdxToReference[2] = CitedDocument{Index: "idx", DocID: "d2", Content: "血常规"}

	require.NoError(t, f.handle(t, `{"event":"answering","answer":"a","trace":{"cite_idx":[]}}`))
	assert.False(t, f.state.ReferenceJob.Started())

	require.NoError(t, f.handle(t, `{"event":"answering","answer":"ab","trace":{"cite_idx":[2]}}`))
	require.NoError(t, f.handle(t, `{"event":"answering","answer":"abc","trace":{"cite_idx":[2]}}`))
	_, err := f.state.ReferenceJob.Wait(context.Background())
	require.NoError(t, err)

	events := drain(t, f.queue)
	require.Len(t, events, 3)
	assert.NotNil(t, events[1].Trace)

	requests := f.rec.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, []map[string]any{{"index": "idx", "doc_id": "d2", "content": "血常规"}}, requests[0].References)
	assert.Empty(t, requests[0].ChatHistory)
}

func TestClassifier_CitedAnswerWithUnknownDocument(t *testing.T) {
	f := newClassifierFixture(t)

	require.NoError(t, f.handle(t, `{"event":"answering","answer":"a","trace":{"cite_idx":[9]}}`))

	assert.Len(t, drain(t, f.queue), 1)
	assert.False(t, f.state.ReferenceJob.Started())
	assert.Equal(t, 1, f.logs.FilterMessage("first citation has no reranked document").Len())
}

// =============================================================================
// Completion
// =============================================================================

func TestClassifier_FinishedMergesRecommendations(t *testing.T) {
	f := newClassifierFixture(t)
	f.state.CiteIdxToReference[0] = CitedDocument{Index: "idx"}

	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":["q"]}`))
	require.NoError(t, f.handle(t, `{"event":"answering","answer":"a","trace":{"cite_idx":[0]}}`))
	err := f.handle(t, `{"event":"finished"}`)

	assert.ErrorIs(t, err, sse.ErrStop)
	events := drain(t, f.queue)
	assert.Equal(t, []datatypes.Kind{
		datatypes.KindQueryUnderstood, datatypes.KindAnswering,
		datatypes.KindQuestionRecommend, datatypes.KindFinished,
	}, kinds(events))
	assert.Equal(t, []string{"a", "b", "x"}, events[2].QuestionRecommend)
	assert.True(t, f.queue.Closed())
}

func TestClassifier_FinishedWithoutContextJob(t *testing.T) {
	f := newClassifierFixture(t)

	err := f.handle(t, `{"event":"finished"}`)

	assert.ErrorIs(t, err, sse.ErrStop)
	assert.Equal(t, []datatypes.Kind{datatypes.KindFinished}, kinds(drain(t, f.queue)))
}

func TestClassifier_FinishedWithFailedRecommendations(t *testing.T) {
	f := newClassifierFixture(t)
	f.rec.err = errors.New("503")

	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":["q"]}`))
	err := f.handle(t, `{"event":"finished"}`)

	assert.ErrorIs(t, err, sse.ErrStop)
	events := drain(t, f.queue)
	require.Equal(t, []datatypes.Kind{
		datatypes.KindQueryUnderstood, datatypes.KindQuestionRecommend, datatypes.KindFinished,
	}, kinds(events))
	assert.Empty(t, events[1].QuestionRecommend)
}

func TestClassifier_FinishedJoinRespectsContext(t *testing.T) {
	f := newClassifierFixture(t)
	require.NoError(t, f.handle(t, `{"event":"query_understood","query_fixed_list":["q"]}`))
	_, err := f.state.ContextJob.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.classifier.Handle(ctx, frame(t, `{"event":"finished"}`), nil)

	// The finished job is already resolved, so the join either wins the
	// select or reports the cancelled context.
	if err != nil && !errors.Is(err, sse.ErrStop) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
