// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"

	"github.com/spf13/cast"
)

// Stage latency names recorded from upstream debug fragments.
const (
	QueryUnderstandLatency         = "query_understand_latency"
	ChunkRetrieveLatency           = "chunk_retrieve_latency"
	ReRankLatency                  = "re_rank_latency"
	AnswerFusionFirstTokenDuration = "answer_fusion_first_token_duration"
	AnswerFusionTotalDuration      = "answer_fusion_total_duration"
	ExtractInfoDuration            = "extract_info_duration"
)

// LatencySink accepts named latency samples.
type LatencySink interface {
	RecordLatency(name string, value float64)
}

// RecordDebugLatency extracts stage latencies from one debug fragment.
//
// # Description
//
// key is the top-level debug key that was just merged and fragment the
// debug object it came from. Only the known stage keys produce samples:
//
//	query_understand  debug.time_debug.total_time         -> query_understand_latency
//	recall            debug.*.time.total_time (each)       -> chunk_retrieve_latency
//	rerank            time.total_duration                  -> re_rank_latency
//	answer_fuser      answer_fusion_first_token_duration   -> answer_fusion_first_token_duration
//	                  answer_fusion_total_duration         -> answer_fusion_total_duration
//	extract_info      duration_extract                     -> extract_info_duration
//
// # Outputs
//
//   - error: Non-nil when a known key lacks the expected path. Samples
//     recorded before the failure are kept.
func RecordDebugLatency(sink LatencySink, key string, fragment map[string]any) error {
	if sink == nil {
		return nil
	}
	stage := fragment[key]

	record := func(name string, path ...string) error {
		v, err := lookup(stage, path...)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		sink.RecordLatency(name, f)
		return nil
	}

	switch key {
	case "query_understand":
		return record(QueryUnderstandLatency, "debug", "time_debug", "total_time")
	case "recall":
		indexes, err := lookup(stage, "debug")
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		for _, info := range cast.ToStringMap(indexes) {
			m := cast.ToStringMap(info)
			if _, ok := m["time"]; !ok {
				continue
			}
			v, err := lookup(m, "time", "total_time")
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			sink.RecordLatency(ChunkRetrieveLatency, cast.ToFloat64(v))
		}
		return nil
	case "rerank":
		return record(ReRankLatency, "time", "total_duration")
	case "answer_fuser":
		if err := record(AnswerFusionFirstTokenDuration, "answer_fusion_first_token_duration"); err != nil {
			return err
		}
		return record(AnswerFusionTotalDuration, "answer_fusion_total_duration")
	case "extract_info":
		return record(ExtractInfoDuration, "duration_extract")
	}
	return nil
}

// lookup walks nested objects along path.
func lookup(v any, path ...string) (any, error) {
	cur := v
	for _, p := range path {
		m, err := cast.ToStringMapE(cur)
		if err != nil {
			return nil, fmt.Errorf("path %v: %w", path, err)
		}
		next, ok := m[p]
		if !ok {
			return nil, fmt.Errorf("path %v: missing %q", path, p)
		}
		cur = next
	}
	return cur, nil
}
