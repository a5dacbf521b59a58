// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sse reads Server-Sent Event streams from upstream services.
//
// This package contains a frame reader that consumes an io.Reader and
// emits decoded events via callbacks, and an HTTP client that opens the
// upstream stream and hands its body to the reader.
//
// Wire format:
//
//	id: 42
//	event: message
//	data: {"event": "answering", "answer": "..."}
//
// Frames are separated by a blank line. Multiple data lines are joined
// with "\n". A frame whose first line is a comment (":ok") is a
// keep-alive and is discarded.
//
// Context Support:
//
//	Read checks ctx between lines. When ctx is cancelled, reading stops
//	and ctx.Err() is returned.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/healthassist/streamsearch/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// Event
// =============================================================================

// Event is one parsed SSE frame.
//
// Payload holds the decoded `data` JSON object. It is nil when decoding
// failed, in which case the EventFunc receives a *PayloadDecodeError.
type Event struct {
	ID      string
	Kind    string
	Data    string
	Retry   int
	Payload map[string]any
}

// EventFunc is invoked once per frame.
//
// err is nil or a *PayloadDecodeError; ev.Data is always populated.
// Returning a non-nil error stops reading; ErrStop stops without error.
type EventFunc func(ev Event, err error) error

// =============================================================================
// Reader
// =============================================================================

// Reader groups lines into frames and decodes them.
//
// Example:
//
//	reader := sse.NewReader(logger)
//	err := reader.Read(ctx, resp.Body, func(ev sse.Event, err error) error {
//	    if err != nil {
//	        logger.Warn("skip frame", "error", err)
//	        return nil
//	    }
//	    fmt.Println(ev.Payload["event"])
//	    return nil
//	})
type Reader struct {
	logger     *logging.Logger
	exitEvents map[string]struct{}
}

// NewReader creates a Reader.
//
// Parameters:
//   - logger: Receives warnings for malformed lines. nil uses logging.Default().
//   - exitEvents: Frame `event:` values after which reading stops.
func NewReader(logger *logging.Logger, exitEvents ...string) *Reader {
	r := &Reader{
		logger:     logging.OrDefault(logger),
		exitEvents: make(map[string]struct{}, len(exitEvents)),
	}
	for _, name := range exitEvents {
		r.exitEvents[name] = struct{}{}
	}
	return r
}

// Read processes src until EOF, invoking fn for each frame.
//
// Lines are read with a growable bufio.Reader, so frames have no size
// limit. An unterminated frame at EOF is discarded.
//
// Returns:
//   - nil on EOF, on an exit event, or when fn returns ErrStop
//   - ctx.Err() on cancellation
//   - the read error or the error returned by fn otherwise
func (r *Reader) Read(ctx context.Context, src io.Reader, fn EventFunc) error {
	br := bufio.NewReaderSize(src, 64*1024)
	var lines []string

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, readErr := br.ReadString('\n')
		if raw != "" {
			line := strings.TrimRight(raw, "\r\n")
			switch {
			case line != "":
				lines = append(lines, line)
			case strings.HasSuffix(raw, "\n"):
				stop, err := r.dispatch(lines, fn)
				lines = lines[:0]
				if err != nil {
					if errors.Is(err, ErrStop) {
						return nil
					}
					return err
				}
				if stop {
					return nil
				}
			}
		}

		if readErr == io.EOF {
			if len(lines) > 0 {
				r.logger.Debug("discarding unterminated sse frame", "lines", len(lines))
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read sse stream: %w", readErr)
		}
	}
}

// dispatch assembles one frame and hands it to fn. stop reports whether
// the frame was an exit event.
func (r *Reader) dispatch(lines []string, fn EventFunc) (stop bool, err error) {
	if len(lines) == 0 {
		return false, nil
	}
	if strings.HasPrefix(lines[0], ":") {
		return false, nil
	}

	var ev Event
	var data []string
	for _, line := range lines {
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			r.logger.Warn("malformed sse line", "error", &FrameParseError{Line: line})
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "data":
			data = append(data, value)
		case "event":
			ev.Kind = value
		case "id":
			ev.ID = value
		case "retry":
			if n, convErr := strconv.Atoi(value); convErr == nil {
				ev.Retry = n
			}
		default:
			r.logger.Debug("ignoring sse field", "field", name)
		}
	}
	ev.Data = strings.Join(data, "\n")

	var decodeErr error
	var payload map[string]any
	if err := json.UnmarshalFromString(ev.Data, &payload); err != nil {
		decodeErr = &PayloadDecodeError{Data: ev.Data, Err: err}
	} else if payload == nil {
		decodeErr = &PayloadDecodeError{Data: ev.Data, Err: errNotObject}
	}
	if decodeErr == nil {
		ev.Payload = payload
	}

	if err := fn(ev, decodeErr); err != nil {
		return false, err
	}
	_, stop = r.exitEvents[ev.Kind]
	return stop, nil
}
