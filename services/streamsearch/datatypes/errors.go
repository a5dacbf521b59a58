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

import "errors"

// Pipeline error classes. Transport, frame and payload errors live in
// pkg/sse; these cover what happens after a payload is decoded.
var (
	// ErrUpstreamFailure marks a payload carrying msg_info. Terminal.
	ErrUpstreamFailure = errors.New("upstream signaled failure")

	// ErrUnknownEventKind marks a payload whose discriminant is not handled.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrMissingEventKind marks a payload without an "event" key.
	ErrMissingEventKind = errors.New("missing event kind")

	// ErrCitationIndexMissing marks a cite_idx with no reranked document.
	ErrCitationIndexMissing = errors.New("citation index missing")

	// ErrConsumer marks a failure while draining the queue.
	ErrConsumer = errors.New("stream consumer failed")
)
