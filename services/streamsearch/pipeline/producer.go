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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/pkg/sse"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
)

var producerTracer = otel.Tracer("streamsearch.pipeline.producer")

// errUnterminated is reported when the upstream closes without a terminal event.
var errUnterminated = errors.New("upstream stream ended before finished")

// Streamer opens an upstream SSE stream. Implemented by *sse.Client.
type Streamer interface {
	Stream(ctx context.Context, url string, body any, fn sse.EventFunc) error
}

// Producer reads the upstream stream for one request.
//
// # Description
//
// Run posts the model query, feeds every frame to the Classifier and
// guarantees the queue ends with a terminal event: when the upstream fails
// or closes early, an Error event carrying the failure message is pushed
// before the sentinel.
type Producer struct {
	streamer   Streamer
	url        string
	query      map[string]any
	domain     string
	dialogID   string
	meta       map[string]any
	classifier *Classifier
	queue      *Queue
	logger     *logging.Logger
	metrics    *observability.StreamingMetrics
}

// ProducerConfig holds the per-request inputs of a Producer.
//
// # Fields
//
//   - URL: Upstream endpoint.
//   - Query: Model query posted as the JSON body.
//   - Domain: Label for the upstream duration metric.
//   - DialogID: Stamped on synthesized error events.
//   - Meta: Copied into synthesized error events.
type ProducerConfig struct {
	URL      string
	Query    map[string]any
	Domain   string
	DialogID string
	Meta     map[string]any
}

// NewProducer creates a Producer.
func NewProducer(
	cfg ProducerConfig,
	streamer Streamer,
	classifier *Classifier,
	queue *Queue,
	logger *logging.Logger,
	metrics *observability.StreamingMetrics,
) *Producer {
	return &Producer{
		streamer:   streamer,
		url:        cfg.URL,
		query:      cfg.Query,
		domain:     cfg.Domain,
		dialogID:   cfg.DialogID,
		meta:       cfg.Meta,
		classifier: classifier,
		queue:      queue,
		logger:     logging.OrDefault(logger),
		metrics:    metrics,
	}
}

// Run streams the upstream until a terminal event, an error or ctx ends.
//
// # Inputs
//
//   - ctx: Producer context. It should outlive the client request and be
//     cancelled when the consumer completes.
//
// # Outputs
//
//   - error: The transport or join error, nil when the stream completed.
//     The queue is closed in every case.
func (p *Producer) Run(ctx context.Context) error {
	ctx, span := producerTracer.Start(ctx, "algo_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("upstream.url", p.url),
		attribute.String("search.domain", p.domain),
	)

	start := time.Now()
	defer func() {
		p.metrics.RecordUpstreamDuration(p.domain, time.Since(start).Seconds())
	}()

	err := p.streamer.Stream(ctx, p.url, p.query, func(ev sse.Event, decodeErr error) error {
		return p.classifier.Handle(ctx, ev, decodeErr)
	})

	switch {
	case err != nil && ctx.Err() != nil:
		p.logger.Info("producer cancelled", "error", err)
		p.queue.Close()
		p.classifier.state.CancelJobs()
		return err
	case err != nil:
		var te *sse.TransportError
		if errors.As(err, &te) {
			p.metrics.RecordError(observability.EndpointSearchStream, observability.ErrorCodeTransport)
		}
		p.logger.Error("upstream stream failed", "url", p.url, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream stream failed")
		p.terminate(err)
		return err
	case !p.queue.Closed():
		p.logger.Warn("upstream closed without a terminal event", "url", p.url)
		span.SetStatus(codes.Error, errUnterminated.Error())
		p.terminate(errUnterminated)
		return errUnterminated
	}
	return nil
}

// terminate pushes an Error event describing err and closes the queue.
func (p *Producer) terminate(err error) {
	meta := make(map[string]any, len(p.meta)+1)
	for k, v := range p.meta {
		meta[k] = v
	}
	meta["msg"] = err.Error()
	p.queue.Put(datatypes.NewError(p.dialogID, meta))
	p.queue.Close()
	p.classifier.state.CancelJobs()
}
