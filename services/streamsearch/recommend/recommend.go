// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recommend provides follow-up question recommendation.
//
// # Description
//
// Two recommendation jobs run beside every search stream: one seeded by the
// conversation (started when the upstream reports its rewritten query) and
// one seeded by the first cited document (started on the first cited answer
// fragment). Each Job is a future: started at most once, awaited at most
// once, at stream completion. MergeQuestions combines their results.
//
// # Thread Safety
//
// HTTPRecommender is safe for concurrent use. A Job may be started from one
// goroutine and awaited from another.
package recommend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// Types
// =============================================================================

// Request is the input of one recommendation call.
//
// # Fields
//
//   - ChatHistory: role/content turns; empty for reference-seeded jobs.
//   - References: cited documents; empty for conversation-seeded jobs.
//   - TopK: Optional. Number of questions to generate, 0 for the default.
//   - RewrittenQuery: Optional. The upstream's rewrite of the user query.
type Request struct {
	ChatHistory    []map[string]any `json:"chat_history"`
	References     []map[string]any `json:"reference"`
	TopK           int              `json:"top_k,omitempty"`
	RewrittenQuery string           `json:"query_rewrite,omitempty"`
}

// Result holds generated questions.
//
// Conversation-seeded calls fill DialQuestions, reference-seeded calls fill
// RagQuestions.
type Result struct {
	DialQuestions []string `json:"dial_questions"`
	RagQuestions  []string `json:"rag_questions"`
}

// Recommender generates follow-up questions.
type Recommender interface {
	Recommend(ctx context.Context, r Request) (Result, error)
}

// =============================================================================
// HTTP Recommender
// =============================================================================

// HTTPRecommender calls the algorithm service's batch recommendation API.
//
// The service answers `{"data": {"dial_questions": [...], "rag_questions": [...]}}`.
type HTTPRecommender struct {
	client *req.Client
	url    string
	topK   int
}

// NewHTTPRecommender creates a recommender posting to url.
//
// # Inputs
//
//   - url: Full endpoint URL, e.g. http://algo:8080/assistant/batch-question-recommend
//   - timeout: Per-call timeout. Values <= 0 use 5 minutes.
//   - topK: Default TopK applied when a Request leaves it zero.
func NewHTTPRecommender(url string, timeout time.Duration, topK int) *HTTPRecommender {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPRecommender{
		client: req.C().
			SetTimeout(timeout).
			SetJsonMarshal(json.Marshal).
			SetJsonUnmarshal(json.Unmarshal),
		url:  url,
		topK: topK,
	}
}

// Recommend posts the request and extracts both question lists.
func (h *HTTPRecommender) Recommend(ctx context.Context, r Request) (Result, error) {
	if r.TopK <= 0 {
		r.TopK = h.topK
	}
	if r.ChatHistory == nil {
		r.ChatHistory = []map[string]any{}
	}
	if r.References == nil {
		r.References = []map[string]any{}
	}

	resp, err := h.client.R().SetContext(ctx).SetBody(r).Post(h.url)
	if err != nil {
		return Result{}, fmt.Errorf("recommend request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("recommend request: unexpected status %d", resp.StatusCode)
	}

	data := gjson.Get(resp.String(), "data")
	if !data.IsObject() {
		return Result{}, fmt.Errorf("recommend response: missing data object")
	}
	return Result{
		DialQuestions: stringList(data.Get("dial_questions")),
		RagQuestions:  stringList(data.Get("rag_questions")),
	}, nil
}

func stringList(v gjson.Result) []string {
	arr := v.Array()
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := item.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Recommender = (*HTTPRecommender)(nil)
