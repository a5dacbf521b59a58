// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recommend

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/healthassist/streamsearch/pkg/logging"
)

// ErrNotStarted is returned by Wait on a job that was never started.
var ErrNotStarted = errors.New("recommend job not started")

// Job is a single-start future around one Recommend call.
//
// # Description
//
// Start launches the call on its own goroutine the first time it is invoked
// and is a no-op afterwards. Wait blocks until the result is ready or ctx
// ends. A failed call resolves to an empty Result; the error is logged and
// never surfaced, so the stream proceeds without recommendations.
//
// # Thread Safety
//
// Start, Started, Wait and Cancel may be called from different goroutines.
// Wait is intended to be called by a single caller.
type Job struct {
	name    string
	rec     Recommender
	logger  *logging.Logger
	once    sync.Once
	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
	result  Result
}

// NewJob creates an unstarted job. name labels log entries.
func NewJob(name string, rec Recommender, logger *logging.Logger) *Job {
	return &Job{
		name:   name,
		rec:    rec,
		logger: logging.OrDefault(logger).With("job", name),
		done:   make(chan struct{}),
	}
}

// Start launches the call unless it has already been started.
//
// The call runs under a child of ctx; Cancel aborts it.
// Returns true when this invocation started the job.
func (j *Job) Start(ctx context.Context, r Request) bool {
	launched := false
	j.once.Do(func() {
		launched = true
		callCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		j.started.Store(true)
		go j.run(callCtx, r)
	})
	return launched
}

func (j *Job) run(ctx context.Context, r Request) {
	defer close(j.done)
	defer j.cancel()
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("recommend job panicked", "panic", p)
			j.result = Result{}
		}
	}()

	res, err := j.rec.Recommend(ctx, r)
	if err != nil {
		j.logger.Error("recommend job failed", "error", err)
		return
	}
	j.result = res
}

// Started reports whether Start has launched the job.
func (j *Job) Started() bool {
	return j.started.Load()
}

// Wait blocks until the job finishes or ctx ends.
//
// Returns ErrNotStarted when the job was never started and ctx.Err() when
// ctx ends first.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	if !j.Started() {
		return Result{}, ErrNotStarted
	}
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts a running job. Safe to call on unstarted jobs.
func (j *Job) Cancel() {
	if !j.Started() {
		return
	}
	j.cancel()
}

// MergeQuestions combines conversation-based and reference-based questions.
//
// When refQuestions is non-empty, one of them is appended to ctxQuestions
// after dropping the last conversation question if there are three or more.
// pick chooses an index in [0, n); nil uses a uniform random choice.
func MergeQuestions(ctxQuestions, refQuestions []string, pick func(n int) int) []string {
	out := append([]string{}, ctxQuestions...)
	if len(refQuestions) == 0 {
		return out
	}
	if pick == nil {
		pick = rand.IntN
	}
	if len(out) >= 3 {
		out = out[:len(out)-1]
	}
	return append(out, refQuestions[pick(len(refQuestions))])
}
