// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthassist/streamsearch/pkg/extensions"
	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/pkg/sse"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/notify"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
	"github.com/healthassist/streamsearch/services/streamsearch/storage/badgerstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testRAGURL     = "http://algo.test/assistant/rag_chat"
	testInquiryURL = "http://algo.test/assistant/inquiry_chat"
)

// =============================================================================
// Test Doubles
// =============================================================================

// fakeStreamer replays raw upstream payloads.
type fakeStreamer struct {
	frames []string
	err    error
	delay  time.Duration

	mu     sync.Mutex
	urls   []string
	bodies []map[string]any
}

func (f *fakeStreamer) Stream(ctx context.Context, url string, body any, fn sse.EventFunc) error {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	if m, ok := body.(map[string]any); ok {
		f.bodies = append(f.bodies, m)
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, raw := range f.frames {
		var payload map[string]any
		decodeErr := json.Unmarshal([]byte(raw), &payload)
		if err := fn(sse.Event{Data: raw, Payload: payload}, decodeErr); err != nil {
			if errors.Is(err, sse.ErrStop) {
				return nil
			}
			return err
		}
	}
	return f.err
}

func (f *fakeStreamer) lastCall() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) == 0 {
		return "", nil
	}
	return f.urls[len(f.urls)-1], f.bodies[len(f.bodies)-1]
}

type emptyRecommender struct{}

func (emptyRecommender) Recommend(context.Context, recommend.Request) (recommend.Result, error) {
	return recommend.Result{}, nil
}

// brokenStore fails every dialog creation.
type brokenStore struct {
	storage.Store
}

func (brokenStore) AddDialog(context.Context, storage.Dialog) (string, error) {
	return "", errors.New("connection refused")
}

var answerFrames = []string{
	`{"event":"answering","answer":"感"}`,
	`{"event":"answering","answer":"感冒"}`,
	`{"event":"finished"}`,
}

type testEnv struct {
	handler *SearchHandler
	store   *badgerstore.Store
	router  *gin.Engine
}

func newTestEnv(t *testing.T, streamer *fakeStreamer, deps SearchDeps) *testEnv {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig(), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	deps.Store = store
	deps.Streamer = streamer
	deps.Recommender = emptyRecommender{}
	deps.Logger = logging.Nop()
	h := NewSearchHandler(SearchConfig{
		RAGURL:       testRAGURL,
		InquiryURL:   testInquiryURL,
		PrivateIndex: "private",
		FlushTimeout: 5 * time.Second,
	}, deps)
	t.Cleanup(h.Wait)

	return &testEnv{handler: h, store: store, router: testRouter(h)}
}

func testRouter(h *SearchHandler) *gin.Engine {
	router := gin.New()
	router.POST("/api/search/stream", h.HandleSearchStream)
	router.POST("/api/search/stop_generating", h.HandleStopGenerating)
	router.GET("/health", HealthCheck)
	return router
}

func post(router http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// frames decodes every data line of an SSE body.
func frames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &m), "frame %q", data)
		out = append(out, m)
	}
	return out
}

func eventNames(fs []map[string]any) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i], _ = f["event"].(string)
	}
	return out
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewSearchHandler_PanicsOnMissingDeps(t *testing.T) {
	assert.Panics(t, func() { NewSearchHandler(SearchConfig{}, SearchDeps{}) })
	assert.Panics(t, func() {
		NewSearchHandler(SearchConfig{}, SearchDeps{Store: brokenStore{}})
	})
	assert.Panics(t, func() {
		NewSearchHandler(SearchConfig{}, SearchDeps{Store: brokenStore{}, Streamer: &fakeStreamer{}})
	})
}

func TestNewSearchHandler_Defaults(t *testing.T) {
	h := NewSearchHandler(SearchConfig{}, SearchDeps{
		Store: brokenStore{}, Streamer: &fakeStreamer{}, Recommender: emptyRecommender{},
	})
	assert.Equal(t, 30*time.Second, h.cfg.FlushTimeout)
	assert.Equal(t, storage.DefaultHistoryLimit, h.cfg.HistoryLimit)
	assert.IsType(t, &extensions.HeaderIdentityProvider{}, h.identity)
}

// =============================================================================
// HandleSearchStream Tests
// =============================================================================

func TestHandleSearchStream_InvalidBody(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, SearchDeps{})

	w := post(env.router, "/api/search/stream", "{not json", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleSearchStream_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, SearchDeps{})

	for _, body := range []string{
		`{"query":""}`,
		`{"query":"q","mode":"chitchat"}`,
	} {
		w := post(env.router, "/api/search/stream", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), "validation failed", body)
	}
}

type failingIdentity struct{}

func (failingIdentity) Identify(context.Context, http.Header) (*extensions.Identity, error) {
	return nil, errors.New("directory unavailable")
}

func TestHandleSearchStream_RequiresUser(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{Identity: &extensions.HeaderIdentityProvider{Require: true}})

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, streamer.urls, "upstream is never called")

	w = post(env.router, "/api/search/stream", `{"query":"q"}`, map[string]string{extensions.HeaderUserID: "u1"})
	env.handler.Wait()
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSearchStream_IdentityFailure(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, SearchDeps{Identity: failingIdentity{}})

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "failed to identify caller")
}

func TestHandleSearchStream_NewDialog(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"感冒怎么办"}`, map[string]string{
		extensions.HeaderUserID:   "u1",
		extensions.HeaderUserName: "Ann",
	})
	env.handler.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	fs := frames(t, w.Body.String())
	assert.Equal(t, []string{"received", "answering", "answering", "trace", "debug", "finished"}, eventNames(fs))

	received := fs[0]
	dialogID, _ := received["dialog_id"].(string)
	messageID, _ := received["message_id"].(string)
	require.NotEmpty(t, dialogID)
	require.NotEmpty(t, messageID)
	assert.Equal(t, "感冒怎么办", received["query"])
	assert.Contains(t, received["meta"], "trace_id")

	assert.Equal(t, "感", fs[1]["answer"])
	assert.Equal(t, "冒", fs[2]["answer"], "answers are sent as deltas")
	for _, i := range []int{1, 2, 5} {
		assert.Contains(t, fs[i]["meta"], "trace_id", "filtered frames carry the trace meta")
	}

	url, body := streamer.lastCall()
	assert.Equal(t, testRAGURL, url)
	history, _ := body["chat_history"].([]map[string]any)
	require.NotEmpty(t, history)
	assert.Equal(t, "感冒怎么办", history[len(history)-1]["content"])

	ctx := context.Background()
	dialog, err := env.store.Dialog(ctx, dialogID)
	require.NoError(t, err)
	assert.Equal(t, "感冒怎么办", dialog.Name)
	assert.Equal(t, "u1", dialog.User)
	assert.Equal(t, "Ann", dialog.UserName)
	assert.Equal(t, datatypes.DomainSearch, dialog.Domain)

	msg, err := env.store.Message(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, dialogID, msg.DialogID)
	assert.Equal(t, "感冒", msg.Content["answer"], "the full answer is stored")
	assert.Equal(t, "感冒", msg.Content["answer_with_cite"])
	assert.Equal(t, "感冒怎么办", msg.Content["query"])
	require.NotNil(t, msg.EnableThink)
	assert.False(t, *msg.EnableThink)
	assert.GreaterOrEqual(t, msg.Cost, 0.0)
}

func TestHandleSearchStream_SecondMessageActivatesDialog(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{frames: answerFrames}, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"first"}`, nil)
	env.handler.Wait()
	dialogID, _ := frames(t, w.Body.String())[0]["dialog_id"].(string)
	require.NotEmpty(t, dialogID)

	dialog, err := env.store.Dialog(context.Background(), dialogID)
	require.NoError(t, err)
	assert.False(t, dialog.Activated)

	w = post(env.router, "/api/search/stream", `{"query":"second","dialog_id":"`+dialogID+`"}`, nil)
	env.handler.Wait()
	require.Equal(t, http.StatusOK, w.Code)

	dialog, err = env.store.Dialog(context.Background(), dialogID)
	require.NoError(t, err)
	assert.True(t, dialog.Activated)
}

func TestHandleSearchStream_HistoryFeedsQuery(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"first"}`, nil)
	env.handler.Wait()
	dialogID, _ := frames(t, w.Body.String())[0]["dialog_id"].(string)

	post(env.router, "/api/search/stream", `{"query":"second","dialog_id":"`+dialogID+`"}`, nil)
	env.handler.Wait()

	_, body := streamer.lastCall()
	assert.Equal(t, []map[string]any{
		{"role": "user", "content": "first"},
		{"role": "assistant", "content": "感冒"},
		{"role": "user", "content": "second"},
	}, body["chat_history"])
}

func TestHandleSearchStream_InquiryMini(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"头疼","mode":"medical_inquiry_mini","enable_think":true}`, nil)
	env.handler.Wait()
	require.Equal(t, http.StatusOK, w.Code)

	url, body := streamer.lastCall()
	assert.Equal(t, testInquiryURL, url)
	assert.Equal(t, true, body["multi_step"], "multi_step defaults to true")
	assert.Equal(t, map[string]any{"enable_think": true}, body["config"].(map[string]any)["answer_fuser_config"])

	w = post(env.router, "/api/search/stream", `{"query":"头疼","mode":"medical_inquiry_mini","multi_step":false}`, nil)
	env.handler.Wait()
	_, body = streamer.lastCall()
	assert.Equal(t, false, body["multi_step"])

	post(env.router, "/api/search/stream", `{"query":"头疼","mode":"medical_inquiry"}`, nil)
	env.handler.Wait()
	url, body = streamer.lastCall()
	assert.Equal(t, testInquiryURL, url)
	assert.NotContains(t, body, "multi_step")
}

func TestHandleSearchStream_BadDocID(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"q","sources":[{"index":"guide","docid":"abc"}]}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid sources")
	url, _ := streamer.lastCall()
	assert.Empty(t, url, "upstream is not called")
}

func TestHandleSearchStream_UpstreamFailure(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("connection reset")}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)
	env.handler.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	fs := frames(t, w.Body.String())
	assert.Equal(t, []string{"received", "error"}, eventNames(fs))
	meta, _ := fs[1]["meta"].(map[string]any)
	assert.Contains(t, meta["msg"], "connection reset")
	assert.Equal(t, fs[0]["dialog_id"], fs[1]["dialog_id"])
}

func TestHandleSearchStream_UnterminatedUpstream(t *testing.T) {
	streamer := &fakeStreamer{frames: []string{`{"event":"answering","answer":"半"}`}}
	env := newTestEnv(t, streamer, SearchDeps{})

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)
	env.handler.Wait()

	fs := frames(t, w.Body.String())
	assert.Equal(t, []string{"received", "answering", "error"}, eventNames(fs))

	messageID, _ := fs[0]["message_id"].(string)
	msg, err := env.store.Message(context.Background(), messageID)
	require.NoError(t, err)
	assert.Equal(t, "半", msg.Content["answer"], "partial answer is still stored")
}

func TestHandleSearchStream_SetupFailureStreamsError(t *testing.T) {
	h := NewSearchHandler(SearchConfig{RAGURL: testRAGURL}, SearchDeps{
		Store:       brokenStore{},
		Streamer:    &fakeStreamer{frames: answerFrames},
		Recommender: emptyRecommender{},
		Logger:      logging.Nop(),
	})

	w := post(testRouter(h), "/api/search/stream", `{"query":"q"}`, nil)
	h.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	fs := frames(t, w.Body.String())
	require.Len(t, fs, 1)
	assert.Equal(t, "error", fs[0]["event"])
	meta, _ := fs[0]["meta"].(map[string]any)
	assert.Contains(t, meta["message"], "connection refused")
	assert.Contains(t, meta, "trace_id")
}

func TestHandleSearchStream_RegenerateClearsStopFlag(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{frames: answerFrames}, SearchDeps{})
	ctx := context.Background()

	id, err := env.store.UpsertMessage(ctx, storage.Message{
		DialogID: "d1",
		Domain:   datatypes.DomainSearch,
		Content:  map[string]any{"query": "q", "answer": "old"},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.StopGenerating(ctx, id, "manual"))

	w := post(env.router, "/api/search/stream", `{"query":"q","dialog_id":"d1","message_id":"`+id+`"}`, nil)
	env.handler.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	fs := frames(t, w.Body.String())
	assert.Equal(t, id, fs[0]["message_id"])

	msg, err := env.store.Message(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.StopGenerating)
	assert.Equal(t, "感冒", msg.Content["answer"])
}

func TestHandleSearchStream_Heartbeat(t *testing.T) {
	streamer := &fakeStreamer{frames: answerFrames, delay: 100 * time.Millisecond}
	env := newTestEnv(t, streamer, SearchDeps{})
	env.handler.cfg.HeartbeatInterval = 10 * time.Millisecond

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)
	env.handler.Wait()

	assert.Contains(t, w.Body.String(), ": keepalive\n\n")
	names := eventNames(frames(t, w.Body.String()))
	assert.Equal(t, "finished", names[len(names)-1])
}

func TestHandleSearchStream_Metrics(t *testing.T) {
	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	env := newTestEnv(t, &fakeStreamer{frames: answerFrames}, SearchDeps{Metrics: metrics})

	post(env.router, "/api/search/stream", `{"query":"q"}`, nil)
	post(env.router, "/api/search/stream", `{"query":""}`, nil)
	env.handler.Wait()

	endpoint := string(observability.EndpointSearchStream)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(endpoint, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(endpoint, "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveStreams.WithLabelValues(endpoint)))
}

// =============================================================================
// Redis Lock and Notification Tests
// =============================================================================

func newTestNotifier(t *testing.T) (*notify.Notifier, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return notify.New(client, notify.Config{}, logging.Nop()), client
}

func TestHandleSearchStream_MessageAlreadyGenerating(t *testing.T) {
	notifier, _ := newTestNotifier(t)
	streamer := &fakeStreamer{frames: answerFrames}
	env := newTestEnv(t, streamer, SearchDeps{Notifier: notifier})
	ctx := context.Background()

	lock, err := notifier.LockMessage(ctx, "m1")
	require.NoError(t, err)
	defer lock.Release(ctx)

	w := post(env.router, "/api/search/stream", `{"query":"q","message_id":"m1"}`, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	url, _ := streamer.lastCall()
	assert.Empty(t, url)
}

func TestHandleSearchStream_PublishesAndReleases(t *testing.T) {
	notifier, client := newTestNotifier(t)
	env := newTestEnv(t, &fakeStreamer{frames: answerFrames}, SearchDeps{Notifier: notifier})
	ctx := context.Background()

	w := post(env.router, "/api/search/stream", `{"query":"q"}`, nil)
	env.handler.Wait()

	fs := frames(t, w.Body.String())
	messageID, _ := fs[0]["message_id"].(string)

	entries, err := client.XRange(ctx, "streamsearch:messages", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, notify.EventMessageStored, entries[0].Values["event"])
	assert.Equal(t, messageID, entries[0].Values["message_id"])
	assert.Equal(t, fs[0]["dialog_id"], entries[0].Values["dialog_id"])

	lock, err := notifier.LockMessage(ctx, messageID)
	require.NoError(t, err, "the lock is released after the flush")
	require.NoError(t, lock.Release(ctx))
}

func TestHandleSearchStream_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	notifier := notify.New(client, notify.Config{}, logging.Nop())
	mr.Close()

	env := newTestEnv(t, &fakeStreamer{frames: answerFrames}, SearchDeps{Notifier: notifier})

	w := post(env.router, "/api/search/stream", `{"query":"q","dialog_id":"d1","message_id":"m1"}`, nil)
	env.handler.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	fs := frames(t, w.Body.String())
	assert.Equal(t, "finished", fs[len(fs)-1]["event"])
}
