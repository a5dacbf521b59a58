// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// Event
// =============================================================================

// Event is one item of the outbound stream.
//
// # Description
//
// Every kind shares the same sparse set of optional fields. A nil pointer,
// map or slice means "absent" and is never serialized; an empty but non-nil
// value is serialized as empty. MarshalJSON writes the discriminant under
// "event" first, followed by the present fields in a fixed order.
//
// # Fields
//
//   - Kind: Discriminant, serialized as its snake_case name.
//   - Query, Answer, DialogID, MessageID, Prompt: Optional strings.
//   - Debug, Trace, Meta: Optional objects.
//   - Reference: Optional list of reference records or raw upstream tuples.
//   - QuestionRecommend: Optional recommended follow-up questions.
//   - Info: Optional structured diagnosis step payload.
//
// # Thread Safety
//
// Not safe for concurrent mutation. An Event is owned by the producer until
// it is put on the queue and by the consumer afterwards.
type Event struct {
	Kind              Kind
	Query             *string
	Answer            *string
	Debug             map[string]any
	DialogID          *string
	MessageID         *string
	Reference         []any
	Trace             map[string]any
	Prompt            *string
	Meta              map[string]any
	QuestionRecommend []string
	Info              any
}

// Str returns a pointer to s, for populating optional string fields.
func Str(s string) *string { return &s }

// AnswerText returns the answer or "" when absent.
func (e *Event) AnswerText() string {
	if e.Answer == nil {
		return ""
	}
	return *e.Answer
}

// MarshalJSON encodes the event as a sparse JSON object.
func (e *Event) MarshalJSON() ([]byte, error) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField("event")
	stream.WriteString(e.Kind.String())

	str := func(name string, v *string) {
		if v == nil {
			return
		}
		stream.WriteMore()
		stream.WriteObjectField(name)
		stream.WriteString(*v)
	}
	val := func(name string, present bool, v any) {
		if !present {
			return
		}
		stream.WriteMore()
		stream.WriteObjectField(name)
		stream.WriteVal(v)
	}

	str("query", e.Query)
	str("answer", e.Answer)
	val("debug", e.Debug != nil, e.Debug)
	str("dialog_id", e.DialogID)
	str("message_id", e.MessageID)
	val("reference", e.Reference != nil, e.Reference)
	val("trace", e.Trace != nil, e.Trace)
	str("prompt", e.Prompt)
	val("meta", e.Meta != nil, e.Meta)
	val("question_recommend", e.QuestionRecommend != nil, e.QuestionRecommend)
	val("info", e.Info != nil, e.Info)

	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}

// =============================================================================
// Constructors
// =============================================================================

// NewEvent creates an event carrying only its discriminant.
func NewEvent(kind Kind) *Event {
	return &Event{Kind: kind}
}

// NewInit creates the placeholder record stored when a message is created.
func NewInit(meta map[string]any) *Event {
	return &Event{Kind: KindInit, Meta: meta}
}

// NewReceived acknowledges the request with the ids the client needs for
// follow-up calls.
func NewReceived(query, dialogID, messageID string, meta map[string]any) *Event {
	return &Event{
		Kind:      KindReceived,
		Query:     Str(query),
		DialogID:  Str(dialogID),
		MessageID: Str(messageID),
		Meta:      meta,
	}
}

// NewDebug wraps a debug fragment.
func NewDebug(debug map[string]any) *Event {
	if debug == nil {
		debug = map[string]any{}
	}
	return &Event{Kind: KindDebug, Debug: debug}
}

// NewError creates the terminal error event.
func NewError(dialogID string, meta map[string]any) *Event {
	return &Event{Kind: KindError, DialogID: Str(dialogID), Meta: meta}
}

// NewAnswer creates an answer-kind event with cumulative text and an
// optional citation trace.
func NewAnswer(kind Kind, text string, trace map[string]any) *Event {
	return &Event{Kind: kind, Answer: Str(text), Trace: trace}
}

// NewReference creates an event carrying a reference list.
func NewReference(kind Kind, refs []any) *Event {
	if refs == nil {
		refs = []any{}
	}
	return &Event{Kind: kind, Reference: refs}
}

// NewTrace creates a trace event carrying citation trace data.
func NewTrace(trace map[string]any) *Event {
	return &Event{Kind: KindTrace, Trace: trace}
}

// NewQuestionRecommend creates the recommended follow-up questions event.
func NewQuestionRecommend(questions []string) *Event {
	if questions == nil {
		questions = []string{}
	}
	return &Event{Kind: KindQuestionRecommend, QuestionRecommend: questions}
}

// NewInfo creates a diagnosis step event.
func NewInfo(kind Kind, info any) *Event {
	return &Event{Kind: kind, Info: info}
}
