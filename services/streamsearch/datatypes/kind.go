// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the streamsearch service.
//
// This file contains the closed set of outbound event kinds. For the event
// record itself, see event.go.
package datatypes

// =============================================================================
// Event Kinds
// =============================================================================

// Kind is the discriminant of an outbound stream event.
//
// # Description
//
// Kind is a closed enumeration: every value the service can emit is
// declared below, and the wire name of each is its snake_case form
// (Kind.String). Values outside the declared range stringify as "unknown".
type Kind int

const (
	KindInit Kind = iota
	KindReceived
	KindQueryUnderstood
	KindRecalled
	KindAnswering
	KindDebug
	KindFinished
	KindError
	KindTrace
	KindQuestionRecommend
	KindDocReranked
	KindAnswer
	KindRefineAnswer
	KindDiagnoseFinished
	KindElectronicReport
	KindDepartment
	KindPrimaryDiagnose
	KindPhysicalExamine
	KindAuxiliaryExamine
	KindAuxiliaryItems
	KindUpdateElectronicReport
	KindFinalElectronicReport
	KindIndexRouter
	KindExtracted
	KindFilter
	KindDefinitiveDiagnose
	KindGatherAdditionalInfo
	KindAnswerThinking
	KindAnswerContent

	kindCount
)

var kindNames = [kindCount]string{
	KindInit:                   "init",
	KindReceived:               "received",
	KindQueryUnderstood:        "query_understood",
	KindRecalled:               "recalled",
	KindAnswering:              "answering",
	KindDebug:                  "debug",
	KindFinished:               "finished",
	KindError:                  "error",
	KindTrace:                  "trace",
	KindQuestionRecommend:      "question_recommend",
	KindDocReranked:            "doc_reranked",
	KindAnswer:                 "answer",
	KindRefineAnswer:           "refine_answer",
	KindDiagnoseFinished:       "diagnose_finished",
	KindElectronicReport:       "electronic_report",
	KindDepartment:             "department",
	KindPrimaryDiagnose:        "primary_diagnose",
	KindPhysicalExamine:        "physical_examine",
	KindAuxiliaryExamine:       "auxiliary_examine",
	KindAuxiliaryItems:         "auxiliary_items",
	KindUpdateElectronicReport: "update_electronic_report",
	KindFinalElectronicReport:  "final_electronic_report",
	KindIndexRouter:            "index_router",
	KindExtracted:              "extracted",
	KindFilter:                 "filter",
	KindDefinitiveDiagnose:     "definitive_diagnose",
	KindGatherAdditionalInfo:   "gather_additional_info",
	KindAnswerThinking:         "answer_thinking",
	KindAnswerContent:          "answer_content",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k, name := range kindNames {
		m[name] = Kind(k)
	}
	return m
}()

// String returns the wire discriminant, e.g. "answer_thinking".
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind resolves a wire discriminant to a Kind.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindByName[name]
	return k, ok
}

// IsAnswer reports whether events of this kind carry cumulative answer
// text that must be diffed into deltas.
func (k Kind) IsAnswer() bool {
	switch k {
	case KindAnswering, KindAnswerThinking, KindAnswerContent, KindAnswer, KindRefineAnswer:
		return true
	}
	return false
}

// IsDoctorInfo reports whether the kind is one of the structured
// diagnosis steps whose payload travels in Event.Info.
func (k Kind) IsDoctorInfo() bool {
	switch k {
	case KindDiagnoseFinished, KindElectronicReport, KindDepartment, KindPrimaryDiagnose,
		KindPhysicalExamine, KindAuxiliaryExamine, KindAuxiliaryItems, KindUpdateElectronicReport,
		KindFinalElectronicReport, KindDefinitiveDiagnose, KindGatherAdditionalInfo:
		return true
	}
	return false
}
