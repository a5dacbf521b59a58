// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"reflect"
	"strings"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
)

// CitedDocument is the part of a reranked document needed to seed
// reference-based recommendations.
type CitedDocument struct {
	Index   string
	DocID   any
	Content string
}

// AsMap returns the document in the recommendation service's format.
func (d CitedDocument) AsMap() map[string]any {
	return map[string]any{
		"index":   d.Index,
		"doc_id":  d.DocID,
		"content": d.Content,
	}
}

// RequestState is the mutable state of one search request.
//
// # Description
//
// Producer fields are written only by the Classifier on the producer
// goroutine. Consumer fields are written only by the Consumer. The two
// halves never touch each other's fields; the Queue carries everything
// that crosses over.
type RequestState struct {
	// Producer side.
	CiteIdxToReference map[int]CitedDocument
	ContextJob         *recommend.Job
	ReferenceJob       *recommend.Job
	LastAnswer         string

	// Consumer side.
	Differ              *Differ
	Stitcher            *Stitcher
	References          []any
	AccumulatedDebug    map[string]any
	AnswerWithCitations strings.Builder
	AnswerThinking      strings.Builder
}

// NewRequestState creates the state for one request. Both recommendation
// jobs are created unstarted against rec.
func NewRequestState(rec recommend.Recommender, logger *logging.Logger, metrics *observability.StreamingMetrics) *RequestState {
	logger = logging.OrDefault(logger)
	return &RequestState{
		CiteIdxToReference: make(map[int]CitedDocument),
		ContextJob:         recommend.NewJob("context", rec, logger),
		ReferenceJob:       recommend.NewJob("reference", rec, logger),
		Differ:             NewDiffer(logger, metrics),
		Stitcher:           NewStitcher(logger),
		AccumulatedDebug:   make(map[string]any),
	}
}

// CancelJobs aborts both recommendation jobs.
func (s *RequestState) CancelJobs() {
	s.ContextJob.Cancel()
	s.ReferenceJob.Cancel()
}

// anySlice converts any slice or array value to []any. Other values give nil.
func anySlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// without returns a shallow copy of m minus key.
func without(m map[string]any, key string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}
