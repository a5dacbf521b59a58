// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the streamsearch service.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthassist/streamsearch/pkg/extensions"
	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/notify"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/pipeline"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
	"github.com/healthassist/streamsearch/services/streamsearch/tracker"
)

var (
	json         = jsoniter.ConfigCompatibleWithStandardLibrary
	searchTracer = otel.Tracer("streamsearch.handlers.search")
)

// errBadSources is returned by prepare when the sources cannot be turned
// into a model query.
var errBadSources = errors.New("invalid sources")

// SearchConfig holds the per-service knobs of SearchHandler.
//
// # Fields
//
//   - RAGURL: Upstream endpoint for the search domain.
//   - InquiryURL: Upstream endpoint for the inquiry domains.
//   - PrivateIndex: Index name substituted for private sources.
//   - HeartbeatInterval: Keep-alive period. Zero disables keep-alives.
//   - FlushTimeout: Bound on storing the final record. Zero means 30s.
//   - HistoryLimit: Previous messages fed to the model query. Zero means
//     storage.DefaultHistoryLimit.
type SearchConfig struct {
	RAGURL            string
	InquiryURL        string
	PrivateIndex      string
	HeartbeatInterval time.Duration
	FlushTimeout      time.Duration
	HistoryLimit      int
}

// SearchDeps holds the collaborators of SearchHandler.
//
// Store, Streamer and Recommender are required. Notifier is optional; nil
// disables message locks and stored notifications. Identity defaults to an
// anonymous-friendly HeaderIdentityProvider.
type SearchDeps struct {
	Store       storage.Store
	Streamer    pipeline.Streamer
	Recommender recommend.Recommender
	Notifier    *notify.Notifier
	Identity    extensions.IdentityProvider
	Metrics     *observability.StreamingMetrics
	Logger      *logging.Logger
}

// SearchHandler serves the search stream and stop generating endpoints.
//
// # Description
//
// Each search request owns a queue, a producer goroutine reading the
// upstream, and a consumer running on the request goroutine. The producer
// and the final flush outlive the client connection; Wait blocks until
// every one of them has returned.
//
// # Thread Safety
//
// Safe for concurrent use.
type SearchHandler struct {
	cfg         SearchConfig
	store       storage.Store
	streamer    pipeline.Streamer
	recommender recommend.Recommender
	notifier    *notify.Notifier
	identity    extensions.IdentityProvider
	metrics     *observability.StreamingMetrics
	logger      *logging.Logger

	inflight sync.WaitGroup
}

// NewSearchHandler creates a SearchHandler.
//
// # Limitations
//
//   - Panics if a required dependency is nil.
func NewSearchHandler(cfg SearchConfig, deps SearchDeps) *SearchHandler {
	if deps.Store == nil {
		panic("NewSearchHandler: store must not be nil")
	}
	if deps.Streamer == nil {
		panic("NewSearchHandler: streamer must not be nil")
	}
	if deps.Recommender == nil {
		panic("NewSearchHandler: recommender must not be nil")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = storage.DefaultHistoryLimit
	}
	if deps.Identity == nil {
		deps.Identity = &extensions.HeaderIdentityProvider{}
	}
	return &SearchHandler{
		cfg:         cfg,
		store:       deps.Store,
		streamer:    deps.Streamer,
		recommender: deps.Recommender,
		notifier:    deps.Notifier,
		identity:    deps.Identity,
		metrics:     deps.Metrics,
		logger:      logging.OrDefault(deps.Logger),
	}
}

// Wait blocks until every producer and flush started by this handler has
// finished. Used on shutdown.
func (h *SearchHandler) Wait() {
	h.inflight.Wait()
}

// session is what prepare resolves before streaming starts.
type session struct {
	dialogID  string
	messageID string
	query     map[string]any
	url       string
}

// HandleSearchStream handles POST /api/search/stream.
//
// # Description
//
// Streams the answer to a query as Server-Sent Events:
//
//  1. Validates the request. Failures return 400 JSON.
//  2. Opens the "search" span and injects its carrier into the event meta.
//  3. When regenerating (message_id given), takes the message lock. A
//     message that is already streaming returns 409.
//  4. Clears the stop flag, creates the dialog if needed, loads the
//     history and stores the Init placeholder for the message.
//  5. Sends Received, then everything the pipeline produces, ending with
//     Finished or Error.
//
// Storage failures after validation are reported in-stream as a single
// Error event. The final record is stored after the stream completes,
// even if the client has gone away.
//
// # Inputs
//
//   - c: Gin context with a datatypes.SearchRequest JSON body.
//
// # Outputs
//
// SSE frames `data: {json}\n\n`, plus `: keepalive` comments.
func (h *SearchHandler) HandleSearchStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointSearchStream
	success := false

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)
	defer func() {
		h.metrics.RecordRequest(endpoint, success)
		h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
	}()

	var req datatypes.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid search request body", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.Warn("search request validation failed", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed", "details": err.Error()})
		return
	}

	who, err := h.identity.Identify(c.Request.Context(), c.Request.Header)
	if err != nil {
		h.logger.Warn("search request rejected", "error", err)
		if errors.Is(err, extensions.ErrUnauthorized) {
			h.metrics.RecordError(endpoint, observability.ErrorCodeUnauthorized)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to identify caller"})
		return
	}
	domain := datatypes.DomainFromMode(req.Mode)

	ctx, span := searchTracer.Start(c.Request.Context(), "search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.domain", domain),
		attribute.Bool("search.debugging", req.IsDebugging),
		attribute.Bool("search.regenerate", req.MessageID != ""),
	)
	meta := traceMeta(ctx, span)
	logger := h.logger.With("trace_id", meta["trace_id"], "domain", domain)

	var lock *notify.MessageLock
	if req.MessageID != "" {
		if lock, err = h.lockMessage(ctx, req.MessageID, logger); err != nil {
			h.metrics.RecordError(endpoint, observability.ErrorCodeBusy)
			c.JSON(http.StatusConflict, gin.H{"error": "message is already generating", "message_id": req.MessageID})
			return
		}
	}

	s, err := h.prepare(ctx, &req, domain, who, meta, logger)
	if err != nil {
		h.releaseLock(lock, logger)
		span.RecordError(err)
		span.SetStatus(codes.Error, "search setup failed")
		if errors.Is(err, errBadSources) || errors.Is(err, storage.ErrInvalidID) {
			h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
		logger.Error("search setup failed", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeStore)
		h.streamSetupError(c, req.DialogID, meta, err, logger)
		return
	}
	span.SetAttributes(
		attribute.String("search.dialog_id", s.dialogID),
		attribute.String("search.message_id", s.messageID),
	)
	logger = logger.With("dialog_id", s.dialogID, "message_id", s.messageID)

	if lock == nil {
		// New message: nobody else can know its id yet.
		lock, _ = h.lockMessage(ctx, s.messageID, logger)
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.releaseLock(lock, logger)
		logger.Error("failed to create SSE writer", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	tr := tracker.New(h.store, logger)
	state := pipeline.NewRequestState(h.recommender, logger, h.metrics)
	queue := pipeline.NewQueue()
	queue.Put(datatypes.NewReceived(req.Query, s.dialogID, s.messageID, meta))

	classifier := pipeline.NewClassifier(pipeline.ClassifierConfig{
		DialogID:    s.dialogID,
		ChatHistory: pipeline.ChatHistory(s.query),
	}, state, queue, logger, h.metrics)
	producer := pipeline.NewProducer(pipeline.ProducerConfig{
		URL:      s.url,
		Query:    s.query,
		Domain:   domain,
		DialogID: s.dialogID,
		Meta:     meta,
	}, h.streamer, classifier, queue, logger, h.metrics)

	// The upstream keeps being read after a disconnect so the stored record
	// is complete; the tracker cancels it once the consumer is done.
	producerCtx, cancelProducer := context.WithCancel(context.WithoutCancel(ctx))
	tr.Bind(cancelProducer)

	h.inflight.Add(2)
	go func() {
		defer h.inflight.Done()
		defer cancelProducer()
		if err := producer.Run(producerCtx); err != nil {
			logger.Debug("producer returned", "error", err)
		}
	}()

	done := make(chan struct{})
	go h.flush(ctx, tr, s, req.Sources, domain, lock, done, logger)

	consumer := pipeline.NewConsumer(pipeline.ConsumerConfig{
		Filter:  pipeline.NewRequestFilter(tr, req.IsDebugging, meta),
		Tracker: tr,
		OnError: func(err error) *datatypes.Event {
			m := maps.Clone(meta)
			m["msg"] = err.Error()
			return datatypes.NewError(s.dialogID, m)
		},
		OnComplete: func() {
			tr.Untrack()
			close(done)
		},
		Started: startTime,
	}, state, queue, logger, h.metrics)

	clientCtx := c.Request.Context()
	heartbeatDone := make(chan struct{})
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		h.runHeartbeat(clientCtx, writer, endpoint, lock, heartbeatDone, logger)
	}()

	err = consumer.Run(clientCtx, writer.WriteFrame)
	close(heartbeatDone)
	heartbeat.Wait()

	switch {
	case err == nil:
		success = true
	case clientCtx.Err() != nil:
		logger.Info("client disconnected during stream", "error", err)
		h.metrics.RecordClientDisconnect(endpoint)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
	}
}

// prepare performs the storage side of a search request and builds the
// model query.
func (h *SearchHandler) prepare(
	ctx context.Context,
	req *datatypes.SearchRequest,
	domain string,
	who *extensions.Identity,
	meta map[string]any,
	logger *logging.Logger,
) (*session, error) {
	s := &session{dialogID: req.DialogID, url: h.cfg.RAGURL}

	if req.MessageID != "" {
		if err := h.store.ClearStopGenerating(ctx, req.MessageID); err != nil {
			return nil, fmt.Errorf("clear stop flag: %w", err)
		}
	}

	if s.dialogID == "" {
		id, err := h.store.AddDialog(ctx, storage.Dialog{
			User:     who.UserID,
			UserName: who.Name,
			Company:  who.Company,
			Name:     req.Query,
			Domain:   domain,
			Sources:  req.Sources,
		})
		if err != nil {
			return nil, fmt.Errorf("add dialog: %w", err)
		}
		s.dialogID = id
	}

	history, err := h.store.History(ctx, domain, s.dialogID, h.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	think := req.ThinkEnabled()
	s.query, err = pipeline.BuildModelQuery(pipeline.ModelQueryInput{
		KBKey:        who.UserID,
		Query:        req.Query,
		Sources:      req.Sources,
		History:      history,
		EnableThink:  think,
		PrivateIndex: h.cfg.PrivateIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadSources, err)
	}
	if datatypes.IsInquiry(domain) {
		s.url = h.cfg.InquiryURL
		if domain == datatypes.DomainInquiryMini {
			multiStep := req.MultiStep
			if multiStep == nil {
				multiStep = true
			}
			s.query["multi_step"] = multiStep
		}
	}

	// The first message of a dialog makes it visible in the dialog list.
	if len(history) == 1 {
		if err := h.store.ActivateDialog(ctx, s.dialogID); err != nil {
			logger.Warn("failed to activate dialog", "dialog_id", s.dialogID, "error", err)
		}
	}

	content, err := eventContent(datatypes.NewInit(meta))
	if err != nil {
		return nil, err
	}
	s.messageID, err = h.store.UpsertMessage(ctx, storage.Message{
		ID:          req.MessageID,
		DialogID:    s.dialogID,
		Content:     content,
		Domain:      domain,
		EnableThink: &think,
	})
	if err != nil {
		return nil, fmt.Errorf("store init message: %w", err)
	}
	return s, nil
}

// flush stores the final record once done is closed, then announces it
// and releases the message lock.
func (h *SearchHandler) flush(
	parent context.Context,
	tr *tracker.Tracker,
	s *session,
	sources []map[string]any,
	domain string,
	lock *notify.MessageLock,
	done <-chan struct{},
	logger *logging.Logger,
) {
	defer h.inflight.Done()
	<-done

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.cfg.FlushTimeout)
	defer cancel()
	defer h.releaseLock(lock, logger)

	if _, err := tr.StoreFinalRecord(ctx, s.dialogID, s.messageID, sources, domain); err != nil {
		logger.Error("failed to store final record", "error", err)
		h.metrics.RecordError(observability.EndpointSearchStream, observability.ErrorCodeStore)
		return
	}
	if h.notifier == nil {
		return
	}
	if _, err := h.notifier.PublishMessageStored(ctx, notify.MessageStored{
		DialogID:  s.dialogID,
		MessageID: s.messageID,
		Domain:    domain,
		Cost:      tr.Elapsed(),
	}); err != nil {
		logger.Warn("failed to publish message stored", "error", err)
	}
}

// lockMessage takes the message lock. Only notify.ErrLocked is returned;
// other lock failures are logged and the request proceeds unlocked.
func (h *SearchHandler) lockMessage(ctx context.Context, messageID string, logger *logging.Logger) (*notify.MessageLock, error) {
	if h.notifier == nil {
		return nil, nil
	}
	lock, err := h.notifier.LockMessage(ctx, messageID)
	switch {
	case errors.Is(err, notify.ErrLocked):
		logger.Warn("message is already generating", "message_id", messageID)
		return nil, err
	case err != nil:
		logger.Warn("message lock unavailable, continuing unlocked", "message_id", messageID, "error", err)
		return nil, nil
	}
	return lock, nil
}

func (h *SearchHandler) releaseLock(lock *notify.MessageLock, logger *logging.Logger) {
	if lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		logger.Warn("failed to release message lock", "error", err)
	}
}

// runHeartbeat writes keep-alives until done or ctx ends, extending the
// message lock on every tick.
func (h *SearchHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	lock *notify.MessageLock,
	done <-chan struct{},
	logger *logging.Logger,
) {
	if h.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				logger.Debug("keepalive failed, stopping heartbeat", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
			if lock != nil {
				if err := lock.Extend(ctx); err != nil {
					logger.Warn("failed to extend message lock", "error", err)
				}
			}
		}
	}
}

// streamSetupError answers with a stream holding a single Error event.
func (h *SearchHandler) streamSetupError(c *gin.Context, dialogID string, meta map[string]any, cause error, logger *logging.Logger) {
	m := maps.Clone(meta)
	m["message"] = cause.Error()
	data, err := json.Marshal(datatypes.NewError(dialogID, m))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	if err := writer.WriteFrame(data); err != nil {
		logger.Debug("failed to write setup error", "error", err)
	}
}

// traceMeta returns the propagation carrier of span plus its trace id.
func traceMeta(ctx context.Context, span trace.Span) map[string]any {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	meta := make(map[string]any, len(carrier)+1)
	for k, v := range carrier {
		meta[k] = v
	}
	meta["trace_id"] = span.SpanContext().TraceID().String()
	return meta
}

// eventContent converts ev to the generic map stored as message content.
func eventContent(ev *datatypes.Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", ev.Kind, err)
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", ev.Kind, err)
	}
	return content, nil
}
