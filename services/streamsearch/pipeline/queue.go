// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the streaming answer aggregation pipeline.
//
// # Description
//
// A search request runs two goroutines joined by a Queue:
//
//	upstream SSE -> Producer (Classifier) -> Queue -> Consumer -> SSE response
//
// The Producer reads the upstream stream and pushes canonical events. The
// Consumer drains them, turns cumulative answers into deltas, stitches
// citation markers into the text, merges references at the end and writes
// one outbound frame per surviving event.
//
// # Thread Safety
//
// The Queue is the only value shared between the two goroutines. Producer
// fields of RequestState are touched only by the producer, consumer fields
// only by the consumer.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
)

// ErrEndOfStream is returned by Queue.Get once the sentinel has been taken.
var ErrEndOfStream = errors.New("end of stream")

// Queue is an unbounded FIFO of events with an end-of-stream sentinel.
//
// # Description
//
// Put never blocks the producer. Close enqueues the sentinel; anything put
// after it is dropped. Get blocks until an item is available, the sentinel
// is reached or ctx ends. After the sentinel every Get returns
// ErrEndOfStream.
//
// # Thread Safety
//
// Safe for one producer and one consumer. Extra producers are also safe,
// the ordering between them is then the order in which Put acquired the lock.
type Queue struct {
	mu     sync.Mutex
	items  []*datatypes.Event
	closed bool
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put appends ev. Returns false when the queue is already closed.
func (q *Queue) Put(ev *datatypes.Event) bool {
	if ev == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close enqueues the end-of-stream sentinel. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Get removes and returns the oldest item.
//
// Returns ErrEndOfStream when the queue is closed and drained, or ctx.Err()
// when ctx ends while waiting.
func (q *Queue) Get(ctx context.Context) (*datatypes.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrEndOfStream
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Closed reports whether the sentinel has been enqueued.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
