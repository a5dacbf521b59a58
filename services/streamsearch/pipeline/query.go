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

	"github.com/spf13/cast"

	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
)

// ModelQueryInput holds everything BuildModelQuery needs.
//
// # Fields
//
//   - KBKey: Owner key of the caller's private knowledge base.
//   - Query: The current user query.
//   - Sources: Source selections from the request.
//   - History: Stored message contents of the dialog, oldest first.
//   - EnableThink: Ask the answer fuser to emit its reasoning.
//   - PrivateIndex: Index name of private knowledge bases.
type ModelQueryInput struct {
	KBKey        string
	Query        string
	Sources      []map[string]any
	History      []map[string]any
	EnableThink  bool
	PrivateIndex string
}

// BuildModelQuery assembles the JSON body posted to the upstream.
//
// # Description
//
// Sources are translated as follows:
//
//	index + docid   -> specified source, docid normalized to a list of ints
//	type private    -> index replaced by PrivateIndex, kb_key added
//	type public     -> config.bing_searcher_config.enabled = true
//	type system     -> one {index} source per listed index
//
// Private sources come first in the output, specified ones after. The chat
// history is the dialog's query and answer turns as user and assistant
// messages followed by the current query.
//
// # Outputs
//
//   - map[string]any: The model query.
//   - error: Non-nil when a docid is not an integer.
func BuildModelQuery(in ModelQueryInput) (map[string]any, error) {
	query := map[string]any{}
	config := map[string]any{}
	var private, specified []any

	for _, src := range in.Sources {
		s := make(map[string]any, len(src)+2)
		for k, v := range src {
			s[k] = v
		}
		typ := cast.ToString(s["type"])

		_, hasIndex := s["index"]
		if docid, ok := s["docid"]; hasIndex && ok && !isEmpty(docid) {
			ids, err := docIDs(docid)
			if err != nil {
				return nil, err
			}
			s["docid"] = ids
			specified = append(specified, s)
		}

		switch typ {
		case datatypes.ReferenceTypePrivate:
			s["index"] = in.PrivateIndex
			s["kb_key"] = in.KBKey
			private = append(private, s)
		case datatypes.ReferenceTypePublic:
			config["bing_searcher_config"] = map[string]any{"enabled": true}
		case datatypes.ReferenceTypeSystem:
			if !hasIndex {
				continue
			}
			indexes := anySlice(s["index"])
			if indexes == nil {
				indexes = []any{s["index"]}
			}
			for _, index := range indexes {
				specified = append(specified, map[string]any{"index": index})
			}
		}
	}

	if in.EnableThink {
		config["answer_fuser_config"] = map[string]any{"enable_think": true}
	}
	query["config"] = config

	sources := make([]any, 0, len(private)+len(specified))
	sources = append(sources, private...)
	sources = append(sources, specified...)
	query["sources"] = sources

	history := make([]map[string]any, 0, 2*len(in.History)+1)
	for _, content := range in.History {
		if q := cast.ToString(content["query"]); q != "" {
			history = append(history, map[string]any{"role": "user", "content": q})
		}
		if a := cast.ToString(content["answer"]); a != "" {
			history = append(history, map[string]any{"role": "assistant", "content": a})
		}
		if cast.ToBool(content[datatypes.KindDiagnoseFinished.String()]) {
			query["diagnose_finished"] = true
		}
	}
	history = append(history, map[string]any{"role": "user", "content": in.Query})
	query["chat_history"] = history

	return query, nil
}

// ChatHistory returns the chat_history of a model query built by
// BuildModelQuery.
func ChatHistory(query map[string]any) []map[string]any {
	h, _ := query["chat_history"].([]map[string]any)
	return h
}

func docIDs(v any) ([]int, error) {
	if list := anySlice(v); list != nil {
		out := make([]int, 0, len(list))
		for _, item := range list {
			id, err := cast.ToIntE(item)
			if err != nil {
				return nil, fmt.Errorf("docid %v: %w", item, err)
			}
			out = append(out, id)
		}
		return out, nil
	}
	id, err := cast.ToIntE(v)
	if err != nil {
		return nil, fmt.Errorf("docid %v: %w", v, err)
	}
	return []int{id}, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	if list := anySlice(v); list != nil {
		return len(list) == 0
	}
	return false
}
