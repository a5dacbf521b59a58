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
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
)

// =============================================================================
// Citation Stitcher
// =============================================================================

// Stitcher records citation occurrences and inlines their markers.
//
// # Description
//
// Every time an answer event cites reference k, the occurrence gets the key
// "k.n" where n counts earlier occurrences of k in the same request. The
// trace payload is stored under that key and the key is appended to the
// trace's cite_infos list. Inline then renders one [^k.n] marker per key at
// the end of the answer delta. At the end of the stream MergeReferences
// attaches each reference's occurrences to the reference record itself.
//
// # Thread Safety
//
// Not safe for concurrent use. Owned by the consumer goroutine.
type Stitcher struct {
	occurrences map[int]map[string]any
	logger      *logging.Logger
}

// NewStitcher creates a Stitcher with no occurrences.
func NewStitcher(logger *logging.Logger) *Stitcher {
	return &Stitcher{
		occurrences: make(map[int]map[string]any),
		logger:      logging.OrDefault(logger),
	}
}

// Collect assigns occurrence keys to the cite_idx entries of ev's trace.
//
// Events that are not answer kinds, have no trace, or whose trace has no
// cite_idx are ignored. The keys are written to trace["cite_infos"].
func (s *Stitcher) Collect(ev *datatypes.Event) {
	if ev == nil || !ev.Kind.IsAnswer() || len(ev.Trace) == 0 {
		return
	}
	raw, ok := ev.Trace["cite_idx"]
	if !ok {
		return
	}

	keys := make([]string, 0)
	for _, v := range anySlice(raw) {
		idx, err := cast.ToIntE(v)
		if err != nil {
			s.logger.Warn("ignoring non-integer cite_idx", "value", v, "error", err)
			continue
		}
		occ, ok := s.occurrences[idx]
		if !ok {
			occ = make(map[string]any)
			s.occurrences[idx] = occ
		}
		key := fmt.Sprintf("%d.%d", idx, len(occ))
		occ[key] = ev.Trace
		keys = append(keys, key)
	}
	ev.Trace["cite_infos"] = keys
}

// Inline appends one [^key] marker per cite_infos entry to ev's answer.
//
// Trailing newlines are kept after the markers so the marker stays on the
// line it cites. A scalar cite_infos value renders a single marker.
func (s *Stitcher) Inline(ev *datatypes.Event) {
	if ev == nil || !ev.Kind.IsAnswer() || ev.Trace == nil || ev.Answer == nil {
		return
	}
	if _, ok := ev.Trace["cite_idx"]; !ok {
		return
	}
	infos, ok := ev.Trace["cite_infos"]
	if !ok {
		return
	}

	text := strings.TrimRight(*ev.Answer, "\n")
	newlines := len(*ev.Answer) - len(text)

	var b strings.Builder
	b.WriteString(text)
	switch v := infos.(type) {
	case []string:
		for _, key := range v {
			fmt.Fprintf(&b, "[^%s]", key)
		}
	case []any:
		for _, key := range v {
			fmt.Fprintf(&b, "[^%v]", key)
		}
	default:
		fmt.Fprintf(&b, "[^%v]", v)
	}
	b.WriteString(strings.Repeat("\n", newlines))
	ev.Answer = datatypes.Str(b.String())
}

// Occurrences returns the occurrence map of one reference index.
func (s *Stitcher) Occurrences(idx int) (map[string]any, bool) {
	occ, ok := s.occurrences[idx]
	return occ, ok
}

// MergeReferences attaches occurrences to references and fills in titles.
//
// # Description
//
// refs is the list received with the recalled event. For every cited index
// the reference gets a "trace" field holding its occurrence map. Indexes
// outside refs are logged and skipped. Afterwards every reference with an
// empty or missing title gets one derived from extra.file_name or, failing
// that, from the first content line containing CJK ideographs.
//
// # Outputs
//
//   - []any: refs, mutated in place. Never nil.
func (s *Stitcher) MergeReferences(refs []any) []any {
	if refs == nil {
		refs = []any{}
	}

	indexes := make([]int, 0, len(s.occurrences))
	for idx := range s.occurrences {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		if idx < 0 || idx >= len(refs) {
			s.logger.Warn("cited reference out of range",
				"error", fmt.Errorf("%w: %d", datatypes.ErrCitationIndexMissing, idx),
				"references", len(refs))
			continue
		}
		ref, ok := refs[idx].(map[string]any)
		if !ok {
			s.logger.Warn("cited reference is not an object", "index", idx)
			continue
		}
		ref["trace"] = s.occurrences[idx]
	}

	for _, r := range refs {
		ref, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if cast.ToString(ref["title"]) != "" {
			continue
		}
		extra := cast.ToStringMap(ref["extra"])
		if name := cast.ToString(extra["file_name"]); name != "" {
			ref["title"] = name
		} else if content, ok := ref["content"]; ok {
			ref["title"] = firstCJKLine(cast.ToString(content))
		}
	}
	return refs
}

// =============================================================================
// Helpers
// =============================================================================

// firstCJKLine returns the first line that still has characters after every
// rune outside U+4E00..U+9FA5 is removed, reduced to those characters.
func firstCJKLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		kept := strings.Map(func(r rune) rune {
			if r >= '\u4e00' && r <= '\u9fa5' {
				return r
			}
			return -1
		}, line)
		if kept != "" {
			return kept
		}
	}
	return ""
}

// ExtractRerankedFields flattens raw doc_reranked tuples into their fields.
//
// Each entry is a positional tuple whose element 1 holds a "fields" object.
// When fields.title is empty, fields.reference.file_name is used instead.
// Malformed entries are logged and skipped.
func ExtractRerankedFields(entries []any, logger *logging.Logger) []any {
	logger = logging.OrDefault(logger)
	out := make([]any, 0, len(entries))
	for i, entry := range entries {
		tuple := anySlice(entry)
		if len(tuple) < 2 {
			logger.Warn("skipping malformed reranked entry", "position", i)
			continue
		}
		fields, err := cast.ToStringMapE(cast.ToStringMap(tuple[1])["fields"])
		if err != nil {
			logger.Warn("skipping reranked entry without fields", "position", i, "error", err)
			continue
		}
		if cast.ToString(fields["title"]) == "" {
			reference := cast.ToStringMap(fields["reference"])
			if name := cast.ToString(reference["file_name"]); name != "" {
				fields["title"] = name
			}
		}
		out = append(out, fields)
	}
	return out
}
