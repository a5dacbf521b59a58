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
	"strings"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
)

// Differ turns cumulative answer snapshots into deltas.
//
// # Description
//
// The upstream sends the whole answer so far on every answer event. Diff
// replaces the text with the part not yet sent. One Differ is shared by all
// answer kinds of a request.
//
// When a snapshot does not extend the previous one (the upstream restarted
// or rewrote its answer) the full snapshot is sent as the delta. This keeps
// the client from ever receiving a corrupted slice; the event is logged and
// counted.
//
// # Thread Safety
//
// Not safe for concurrent use. Owned by the consumer goroutine.
type Differ struct {
	prev    string
	logger  *logging.Logger
	metrics *observability.StreamingMetrics
}

// NewDiffer creates a Differ with an empty previous snapshot.
func NewDiffer(logger *logging.Logger, metrics *observability.StreamingMetrics) *Differ {
	return &Differ{logger: logging.OrDefault(logger), metrics: metrics}
}

// Diff rewrites ev.Answer in place. Events that are not answer kinds or
// carry no answer are left untouched.
func (d *Differ) Diff(ev *datatypes.Event) {
	if ev == nil || ev.Answer == nil || !ev.Kind.IsAnswer() {
		return
	}
	current := *ev.Answer
	delta := current
	if strings.HasPrefix(current, d.prev) {
		delta = current[len(d.prev):]
	} else {
		d.logger.Warn("answer snapshot does not extend previous snapshot",
			"kind", ev.Kind.String(),
			"prev_len", len(d.prev),
			"current_len", len(current))
		d.metrics.RecordAnswerRestart()
	}
	ev.Answer = datatypes.Str(delta)
	d.prev = current
}

// Previous returns the last cumulative snapshot seen.
func (d *Differ) Previous() string {
	return d.prev
}
