// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"errors"
	"fmt"
)

// ErrStop may be returned by an EventFunc to end reading early.
//
// Read and Stream treat it as a clean stop and return nil.
var ErrStop = errors.New("sse: stop reading")

// errNotObject is wrapped by PayloadDecodeError when the data decodes to
// something other than a JSON object.
var errNotObject = errors.New("payload is not a JSON object")

// TransportError reports a failed upstream request.
//
// Either StatusCode is set (the upstream answered with a status outside
// the whitelist) or Err is set (the request never produced a response).
// It is always returned before any frame is dispatched.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sse transport %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("sse transport %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameParseError reports a line that does not match `name: value`.
//
// The reader drops the line, logs the error and keeps assembling the frame.
type FrameParseError struct {
	Line string
}

func (e *FrameParseError) Error() string {
	return fmt.Sprintf("malformed sse line %q", e.Line)
}

// PayloadDecodeError reports frame data that is not a JSON object.
//
// Passed to the EventFunc alongside the raw Event; the caller decides
// whether it is fatal.
type PayloadDecodeError struct {
	Data string
	Err  error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode sse payload: %v", e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }
