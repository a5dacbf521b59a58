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
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fields mirrored into the tracker by the consumer itself.
const (
	FieldReference      = "reference"
	FieldDebug          = "debug"
	FieldAnswerWithCite = "answer_with_cite"
	FieldAnswerThinking = "answer_thinking"
)

// EmitFunc writes one serialized event to the client.
type EmitFunc func(data []byte) error

// Filter decides which events reach the client. Returning nil drops ev.
type Filter func(ev *datatypes.Event) *datatypes.Event

// Tracker mirrors stream content for persistence.
type Tracker interface {
	Track(ev *datatypes.Event)
	Set(field string, value any)
}

// NewRequestFilter returns the filter used by the search handler.
//
// Every event is tracked. Debug events are dropped unless debugging,
// Recalled events are always dropped (references travel with the final
// Trace event), and every survivor gets meta merged into its own Meta.
func NewRequestFilter(tracker Tracker, debugging bool, meta map[string]any) Filter {
	return func(ev *datatypes.Event) *datatypes.Event {
		tracker.Track(ev)
		switch {
		case ev.Kind == datatypes.KindDebug && !debugging:
			return nil
		case ev.Kind == datatypes.KindRecalled:
			return nil
		}
		if len(meta) > 0 {
			merged := make(map[string]any, len(meta)+len(ev.Meta))
			for k, v := range ev.Meta {
				merged[k] = v
			}
			for k, v := range meta {
				merged[k] = v
			}
			ev.Meta = merged
		}
		return ev
	}
}

// ConsumerConfig holds the collaborators of a Consumer.
//
// # Fields
//
//   - Filter: Optional. nil forwards every event.
//   - Tracker: Required.
//   - OnError: Optional. Builds the event sent when consumption fails.
//   - OnComplete: Optional. Called exactly once when Run returns.
//   - Started: Request start, for the time-to-first-answer metric.
type ConsumerConfig struct {
	Filter     Filter
	Tracker    Tracker
	OnError    func(err error) *datatypes.Event
	OnComplete func()
	Started    time.Time
}

// Consumer drains the queue into the client stream.
//
// # Description
//
// Run takes events off the queue one at a time:
//
//   - Debug fragments are merged into the accumulated debug object and
//     their stage latencies recorded. Not forwarded.
//   - Trace info from the upstream is stored under debug.trace_info.
//   - DocReranked is forwarded with the reranked documents' fields.
//   - Diagnosis step events are mirrored into the tracker and forwarded.
//   - Recalled stores the reference list; cited answers are collected.
//   - Finished first emits the merged references and the accumulated debug.
//
// Everything else passes through the filter, then the differ. Answer events
// whose delta is empty are dropped; the rest get their citation markers
// and are emitted.
//
// # Thread Safety
//
// Run must be called once, from a single goroutine.
type Consumer struct {
	queue      *Queue
	state      *RequestState
	filter     Filter
	tracker    Tracker
	onError    func(err error) *datatypes.Event
	onComplete func()
	complete   sync.Once
	started    time.Time
	answered   bool
	logger     *logging.Logger
	metrics    *observability.StreamingMetrics
}

// NewConsumer creates a Consumer for queue.
func NewConsumer(
	cfg ConsumerConfig,
	state *RequestState,
	queue *Queue,
	logger *logging.Logger,
	metrics *observability.StreamingMetrics,
) *Consumer {
	c := &Consumer{
		queue:      queue,
		state:      state,
		filter:     cfg.Filter,
		tracker:    cfg.Tracker,
		onError:    cfg.OnError,
		onComplete: cfg.OnComplete,
		started:    cfg.Started,
		logger:     logging.OrDefault(logger),
		metrics:    metrics,
	}
	if c.filter == nil {
		c.filter = func(ev *datatypes.Event) *datatypes.Event { return ev }
	}
	if c.onError == nil {
		c.onError = func(error) *datatypes.Event { return datatypes.NewError("", nil) }
	}
	if c.started.IsZero() {
		c.started = time.Now()
	}
	return c
}

// Run consumes until the sentinel, a failure, or ctx ends.
//
// # Outputs
//
//   - error: nil at the sentinel; ctx.Err() when the client went away;
//     an error wrapping datatypes.ErrConsumer after a failure, in which
//     case one Error event has been emitted.
//
// The completion callback fires exactly once, whatever the outcome.
func (c *Consumer) Run(ctx context.Context, emit EmitFunc) (err error) {
	defer c.complete.Do(func() {
		if c.onComplete != nil {
			c.onComplete()
		}
	})
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", datatypes.ErrConsumer, p)
			c.fail(err, emit)
		}
	}()

	for {
		ev, getErr := c.queue.Get(ctx)
		if errors.Is(getErr, ErrEndOfStream) {
			c.tracker.Set(FieldAnswerWithCite, c.state.AnswerWithCitations.String())
			c.tracker.Set(FieldAnswerThinking, c.state.AnswerThinking.String())
			return nil
		}
		if getErr != nil {
			c.logger.Info("client left before end of stream", "error", getErr)
			return getErr
		}

		if err := c.handle(ev, emit); err != nil {
			err = fmt.Errorf("%w: %w", datatypes.ErrConsumer, err)
			c.fail(err, emit)
			return err
		}
	}
}

func (c *Consumer) handle(ev *datatypes.Event, emit EmitFunc) error {
	switch {
	case ev.Kind == datatypes.KindDebug:
		for key, v := range ev.Debug {
			c.state.AccumulatedDebug[key] = v
			if err := observability.RecordDebugLatency(c.metrics, key, ev.Debug); err != nil {
				c.logger.Warn("record latency failed", "key", key, "error", err)
			}
		}
		return nil
	case ev.Kind == datatypes.KindTrace:
		c.state.AccumulatedDebug["trace_info"] = ev.Trace["trace_info"]
		return nil
	case ev.Kind == datatypes.KindDocReranked && len(ev.Reference) > 0:
		refs := ExtractRerankedFields(ev.Reference, c.logger)
		return c.write(datatypes.NewReference(datatypes.KindDocReranked, refs), emit)
	case ev.Kind.IsDoctorInfo():
		c.tracker.Set(ev.Kind.String(), ev.Info)
		return c.write(ev, emit)
	}

	if ev.Kind == datatypes.KindRecalled && len(ev.Reference) > 0 {
		c.state.References = ev.Reference
	}
	if ev.Kind.IsAnswer() && len(ev.Trace) > 0 {
		c.state.Stitcher.Collect(ev)
	}
	if ev.Kind == datatypes.KindFinished {
		if err := c.finish(emit); err != nil {
			return err
		}
	}

	element := c.filter(ev)
	if element == nil {
		return nil
	}
	c.state.Differ.Diff(element)
	if element.Kind.IsAnswer() && element.AnswerText() == "" {
		return nil
	}

	c.state.Stitcher.Inline(element)
	switch {
	case element.Kind == datatypes.KindAnswerThinking:
		c.state.AnswerThinking.WriteString(element.AnswerText())
	case element.AnswerText() != "":
		c.state.AnswerWithCitations.WriteString(element.AnswerText())
	}
	if element.Kind.IsAnswer() && !c.answered {
		c.answered = true
		c.metrics.RecordTimeToFirstAnswer(observability.EndpointSearchStream, time.Since(c.started).Seconds())
	}
	return c.write(element, emit)
}

// finish emits the merged references and the accumulated debug object.
func (c *Consumer) finish(emit EmitFunc) error {
	refs := c.state.Stitcher.MergeReferences(c.state.References)
	c.tracker.Set(FieldReference, refs)
	if err := c.write(datatypes.NewReference(datatypes.KindTrace, refs), emit); err != nil {
		return err
	}
	c.tracker.Set(FieldDebug, c.state.AccumulatedDebug)
	return c.write(datatypes.NewDebug(c.state.AccumulatedDebug), emit)
}

func (c *Consumer) write(ev *datatypes.Event, emit EmitFunc) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	if err := emit(data); err != nil {
		return fmt.Errorf("emit %s event: %w", ev.Kind, err)
	}
	return nil
}

// fail reports err to the client as a single Error event.
func (c *Consumer) fail(err error, emit EmitFunc) {
	c.logger.Error("stream consumer failed", "error", err)
	c.metrics.RecordError(observability.EndpointSearchStream, observability.ErrorCodeConsumer)

	data, mErr := json.Marshal(c.onError(err))
	if mErr != nil {
		c.logger.Error("cannot marshal error event", "error", mErr)
		return
	}
	if eErr := emit(data); eErr != nil {
		c.logger.Debug("cannot deliver error event", "error", eErr)
	}
}
