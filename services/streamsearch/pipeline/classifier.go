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
	"context"
	"fmt"
	"maps"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/pkg/sse"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
)

// legacyAnswerPath locates the answer text in the older message format.
const legacyAnswerPath = "messages.0.content.parts.0.content"

// Classifier turns decoded upstream payloads into canonical events.
//
// # Description
//
// Handle is called once per upstream frame, in arrival order, on the
// producer goroutine. Each payload is checked against a fixed priority
// list, and a single payload may produce several events:
//
//  1. msg_info: Debug, Error, Finished and the sentinel. Terminal.
//  2. no "event" key: logged and dropped.
//  3. reference_list: Recalled.
//  4. doc_reranked: DocReranked, and the cite index map is filled.
//  5. debug: Debug with the payload's debug object.
//  6. non-empty query_fixed_list: the context recommendation job starts.
//  7. dispatch on the "event" discriminant.
//
// A payload that cannot be handled is logged and dropped. Only msg_info
// and the finished event end the stream from here.
//
// # Thread Safety
//
// Not safe for concurrent use. Owned by the producer goroutine.
type Classifier struct {
	state       *RequestState
	queue       *Queue
	dialogID    string
	chatHistory []map[string]any
	pick        func(n int) int
	logger      *logging.Logger
	metrics     *observability.StreamingMetrics
}

// ClassifierConfig holds the per-request inputs of a Classifier.
//
// # Fields
//
//   - DialogID: Stamped on synthesized error events.
//   - ChatHistory: Sent to the context recommendation job.
//   - Pick: Optional. Chooses the reference question on merge; nil is random.
type ClassifierConfig struct {
	DialogID    string
	ChatHistory []map[string]any
	Pick        func(n int) int
}

// NewClassifier creates a Classifier pushing onto queue.
func NewClassifier(
	cfg ClassifierConfig,
	state *RequestState,
	queue *Queue,
	logger *logging.Logger,
	metrics *observability.StreamingMetrics,
) *Classifier {
	return &Classifier{
		state:       state,
		queue:       queue,
		dialogID:    cfg.DialogID,
		chatHistory: cfg.ChatHistory,
		pick:        cfg.Pick,
		logger:      logging.OrDefault(logger),
		metrics:     metrics,
	}
}

// Handle classifies one upstream frame.
//
// # Inputs
//
//   - ctx: Producer context. Recommendation jobs run under it and the
//     completion join waits on it.
//   - ev: The decoded frame.
//   - decodeErr: Non-nil when the frame data was not a JSON object.
//
// # Outputs
//
//   - error: sse.ErrStop once the stream is complete, the context error if
//     the completion join was interrupted, nil otherwise.
func (c *Classifier) Handle(ctx context.Context, ev sse.Event, decodeErr error) (err error) {
	if decodeErr != nil {
		c.logger.Warn("dropping undecodable upstream frame", "error", decodeErr)
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("dropping upstream payload after panic", "panic", p, "data", ev.Data)
			err = nil
		}
	}()

	payload := ev.Payload
	if msg, ok := payload["msg_info"]; ok {
		return c.fail(payload, msg)
	}

	rawKind, ok := payload["event"]
	if !ok {
		c.logger.Warn("cannot get event type", "error", datatypes.ErrMissingEventKind, "data", ev.Data)
		return nil
	}
	name := cast.ToString(rawKind)

	if refs, ok := payload["reference_list"]; ok {
		c.queue.Put(datatypes.NewReference(datatypes.KindRecalled, anySlice(refs)))
	}
	if reranked, ok := payload["doc_reranked"]; ok {
		c.queue.Put(datatypes.NewReference(datatypes.KindDocReranked, anySlice(reranked)))
		c.indexReranked(ev.Data)
	}
	if debug, ok := payload["debug"]; ok {
		c.queue.Put(datatypes.NewDebug(cast.ToStringMap(debug)))
	}
	if queries := anySlice(payload["query_fixed_list"]); len(queries) > 0 {
		c.state.ContextJob.Start(ctx, recommend.Request{
			ChatHistory:    c.chatHistory,
			RewrittenQuery: cast.ToString(queries[len(queries)-1]),
		})
	}

	return c.dispatch(ctx, name, ev.Data, payload)
}

// dispatch handles the discriminant-specific part of a payload.
func (c *Classifier) dispatch(ctx context.Context, name, data string, payload map[string]any) error {
	kind, known := datatypes.ParseKind(name)
	if !known {
		c.unknown(name)
		return nil
	}

	switch {
	case kind == datatypes.KindTrace:
		c.onTrace(payload)
	case kind == datatypes.KindDebug:
		c.queue.Put(datatypes.NewDebug(without(payload, "event")))
	case kind == datatypes.KindQueryUnderstood:
		c.queue.Put(datatypes.NewEvent(datatypes.KindQueryUnderstood))
	case kind == datatypes.KindAnswer || kind == datatypes.KindRefineAnswer:
		text, err := cast.ToStringE(payload[name])
		if err != nil {
			c.logger.Error("cannot get unfinished answer", "kind", name, "error", err)
			return nil
		}
		c.state.LastAnswer = text
		c.queue.Put(datatypes.NewAnswer(datatypes.KindAnswering, text, nil))
	case kind.IsDoctorInfo():
		c.queue.Put(datatypes.NewInfo(kind, payload[name]))
		c.queue.Put(datatypes.NewDebug(without(payload, "event")))
	case kind == datatypes.KindAnswering || kind == datatypes.KindAnswerThinking || kind == datatypes.KindAnswerContent:
		c.onAnswering(ctx, kind, data, payload)
	case kind == datatypes.KindFinished:
		return c.complete(ctx)
	default:
		c.unknown(name)
	}
	return nil
}

// fail handles a payload carrying msg_info.
func (c *Classifier) fail(payload map[string]any, msg any) error {
	c.logger.Error("upstream reported failure",
		"error", fmt.Errorf("%w: %v", datatypes.ErrUpstreamFailure, msg))
	c.metrics.RecordError(observability.EndpointSearchStream, observability.ErrorCodeUpstreamFailure)

	c.queue.Put(datatypes.NewDebug(payload))
	c.queue.Put(datatypes.NewError(c.dialogID, map[string]any{"msg": cast.ToString(msg)}))
	c.queue.Put(datatypes.NewEvent(datatypes.KindFinished))
	c.queue.Close()
	c.state.CancelJobs()
	return sse.ErrStop
}

// indexReranked records cite index -> document for every reranked tuple.
// Tuples are positional: element 1 holds the fields, element 5 the index.
func (c *Classifier) indexReranked(data string) {
	for i, entry := range gjson.Get(data, "doc_reranked").Array() {
		c.state.CiteIdxToReference[i] = CitedDocument{
			Index:   entry.Get("5").String(),
			DocID:   entry.Get("1.fields.doc_id").Value(),
			Content: entry.Get("1.fields.content").String(),
		}
	}
}

// onTrace checks every cited index and forwards the trace info.
func (c *Classifier) onTrace(payload map[string]any) {
	info, ok := payload["trace_info"]
	if !ok {
		return
	}
	for _, item := range anySlice(info) {
		for _, v := range anySlice(cast.ToStringMap(item)["cite_idx"]) {
			idx := cast.ToInt(v)
			if _, ok := c.state.CiteIdxToReference[idx]; !ok {
				c.logger.Error("trace cites unknown document",
					"error", fmt.Errorf("%w: %d", datatypes.ErrCitationIndexMissing, idx))
			}
		}
	}
	c.queue.Put(datatypes.NewTrace(map[string]any{"trace_info": info}))
}

// onAnswering handles the answering family of discriminants.
func (c *Classifier) onAnswering(ctx context.Context, kind datatypes.Kind, data string, payload map[string]any) {
	out := datatypes.KindAnswering
	if kind == datatypes.KindAnswerThinking {
		out = datatypes.KindAnswerThinking
	}

	text := c.state.LastAnswer
	if v, ok := payload["answer"]; ok {
		text = cast.ToString(v)
	} else if _, ok := payload["messages"]; ok {
		res := gjson.Get(data, legacyAnswerPath)
		if !res.Exists() {
			c.logger.Info("cannot get unfinished answer", "kind", kind.String(), "path", legacyAnswerPath)
			return
		}
		text = res.String()
	}
	c.state.LastAnswer = text

	rawTrace, hasTrace := payload["trace"]
	trace, _ := rawTrace.(map[string]any)
	if !hasTrace || trace == nil {
		c.queue.Put(datatypes.NewAnswer(out, text, nil))
		return
	}
	c.startReferenceJob(ctx, trace)
	// The consumer writes cite_infos into the event's trace.
	c.queue.Put(datatypes.NewAnswer(out, text, maps.Clone(trace)))
}

// startReferenceJob seeds the reference recommendation job with the first
// cited document. Only the first cited answer starts it.
func (c *Classifier) startReferenceJob(ctx context.Context, trace map[string]any) {
	if c.state.ReferenceJob.Started() {
		return
	}
	cited := anySlice(trace["cite_idx"])
	if len(cited) == 0 {
		return
	}
	idx := cast.ToInt(cited[0])
	doc, ok := c.state.CiteIdxToReference[idx]
	if !ok {
		c.logger.Warn("first citation has no reranked document",
			"error", fmt.Errorf("%w: %d", datatypes.ErrCitationIndexMissing, idx))
		return
	}
	c.state.ReferenceJob.Start(ctx, recommend.Request{
		References: []map[string]any{doc.AsMap()},
	})
}

// complete joins the recommendation jobs and ends the stream.
func (c *Classifier) complete(ctx context.Context) error {
	if c.state.ContextJob.Started() {
		res, err := c.state.ContextJob.Wait(ctx)
		if err != nil {
			return fmt.Errorf("await context recommendations: %w", err)
		}
		var refQuestions []string
		if c.state.ReferenceJob.Started() {
			ref, err := c.state.ReferenceJob.Wait(ctx)
			if err != nil {
				return fmt.Errorf("await reference recommendations: %w", err)
			}
			refQuestions = ref.RagQuestions
		}
		questions := recommend.MergeQuestions(res.DialQuestions, refQuestions, c.pick)
		c.queue.Put(datatypes.NewQuestionRecommend(questions))
	}
	c.state.ReferenceJob.Cancel()

	c.queue.Put(datatypes.NewEvent(datatypes.KindFinished))
	c.queue.Close()
	return sse.ErrStop
}

func (c *Classifier) unknown(name string) {
	c.logger.Warn("dropping upstream payload",
		"error", fmt.Errorf("%w: %q", datatypes.ErrUnknownEventKind, name))
	c.metrics.RecordUnknownEvent()
}
