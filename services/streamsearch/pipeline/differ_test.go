// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
)

func TestDiffer_Deltas(t *testing.T) {
	d := NewDiffer(logging.Nop(), nil)

	var deltas []string
	for _, snapshot := range []string{"感", "感冒", "感冒药"} {
		ev := datatypes.NewAnswer(datatypes.KindAnswering, snapshot, nil)
		d.Diff(ev)
		deltas = append(deltas, ev.AnswerText())
	}

	assert.Equal(t, []string{"感", "冒", "药"}, deltas)
	assert.Equal(t, "感冒药", d.Previous())
}

func TestDiffer_SharedAcrossAnswerKinds(t *testing.T) {
	d := NewDiffer(logging.Nop(), nil)

	first := datatypes.NewAnswer(datatypes.KindAnswerThinking, "想一想", nil)
	second := datatypes.NewAnswer(datatypes.KindAnswering, "想一想。答案", nil)
	d.Diff(first)
	d.Diff(second)

	assert.Equal(t, "想一想", first.AnswerText())
	assert.Equal(t, "。答案", second.AnswerText())
}

func TestDiffer_UnchangedSnapshotGivesEmptyDelta(t *testing.T) {
	d := NewDiffer(logging.Nop(), nil)
	d.Diff(datatypes.NewAnswer(datatypes.KindAnswering, "abc", nil))

	ev := datatypes.NewAnswer(datatypes.KindAnswering, "abc", nil)
	d.Diff(ev)

	assert.Equal(t, "", ev.AnswerText())
}

func TestDiffer_RestartSendsFullSnapshot(t *testing.T) {
	logger, logs := logging.NewObserved(logging.LevelDebug)
	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	d := NewDiffer(logger, metrics)

	d.Diff(datatypes.NewAnswer(datatypes.KindAnswering, "感冒药", nil))
	ev := datatypes.NewAnswer(datatypes.KindAnswering, "发烧", nil)
	d.Diff(ev)

	assert.Equal(t, "发烧", ev.AnswerText())
	assert.Equal(t, "发烧", d.Previous())
	assert.Equal(t, 1, logs.FilterMessage("answer snapshot does not extend previous snapshot").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AnswerRestartsTotal))

	next := datatypes.NewAnswer(datatypes.KindAnswering, "发烧了", nil)
	d.Diff(next)
	assert.Equal(t, "了", next.AnswerText())
}

func TestDiffer_IgnoresNonAnswerEvents(t *testing.T) {
	d := NewDiffer(logging.Nop(), nil)

	ev := datatypes.NewEvent(datatypes.KindQueryUnderstood)
	ev.Answer = datatypes.Str("not an answer")
	d.Diff(ev)
	d.Diff(datatypes.NewEvent(datatypes.KindAnswering))
	d.Diff(nil)

	assert.Equal(t, "not an answer", ev.AnswerText())
	assert.Equal(t, "", d.Previous())
}
