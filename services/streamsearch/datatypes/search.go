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

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxQueryBytes is the maximum size of a search query.
	MaxQueryBytes = 16 * 1024

	// MaxSourcesPerRequest bounds the sources list.
	MaxSourcesPerRequest = 50
)

// Request modes and the storage domains they map to.
const (
	ModeSearch            = "search"
	ModeInquiry           = "medical_inquiry"
	ModeInquiryMini       = "medical_inquiry_mini"
	DomainSearch          = "search"
	DomainInquiry         = "inquiry"
	DomainInquiryMini     = "inquiry_mini"
	ReferenceTypePrivate  = "private"
	ReferenceTypePublic   = "public"
	ReferenceTypeSystem   = "system"
	defaultStopReasonText = "manual"
)

// DomainFromMode maps a request mode to its storage domain.
//
// Unknown and empty modes map to DomainSearch.
func DomainFromMode(mode string) string {
	switch mode {
	case ModeInquiry:
		return DomainInquiry
	case ModeInquiryMini:
		return DomainInquiryMini
	default:
		return DomainSearch
	}
}

// IsInquiry reports whether the domain is served by the inquiry upstream.
func IsInquiry(domain string) bool {
	return domain == DomainInquiry || domain == DomainInquiryMini
}

// =============================================================================
// Validator
// =============================================================================

var searchValidate *validator.Validate

func init() {
	searchValidate = validator.New()
	_ = searchValidate.RegisterValidation("maxquerybytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxQueryBytes
	})
}

// =============================================================================
// Request Types
// =============================================================================

// SearchRequest is the body of POST /api/search/stream.
//
// # Fields
//
//   - Query: Required. The user's question, at most 16KB.
//   - DialogID: Optional. Empty starts a new dialog named after the query.
//   - MessageID: Optional. Set when regenerating an existing answer.
//   - Sources: Optional knowledge sources (private, public, system, or a
//     specific document via index+docid).
//   - IsDebugging: When true, debug events reach the client.
//   - Mode: Optional. search, medical_inquiry or medical_inquiry_mini.
//   - EnableThink: Optional. Asks the answer fuser for reasoning output.
//   - MultiStep: Forwarded to the inquiry_mini upstream untouched.
type SearchRequest struct {
	Query       string           `json:"query" validate:"required,maxquerybytes"`
	DialogID    string           `json:"dialog_id"`
	MessageID   string           `json:"message_id"`
	Sources     []map[string]any `json:"sources" validate:"max=50"`
	IsDebugging bool             `json:"is_debugging"`
	Mode        string           `json:"mode" validate:"omitempty,oneof=search medical_inquiry medical_inquiry_mini"`
	EnableThink *bool            `json:"enable_think"`
	MultiStep   any              `json:"multi_step,omitempty"`
}

// Validate checks the struct tags.
func (r *SearchRequest) Validate() error {
	return searchValidate.Struct(r)
}

// ThinkEnabled returns EnableThink, defaulting to false.
func (r *SearchRequest) ThinkEnabled() bool {
	return r.EnableThink != nil && *r.EnableThink
}

// StopReason explains why generation of a message was stopped.
type StopReason int

const (
	StopReasonTimeout         StopReason = 1
	StopReasonNewConversation StopReason = 2
	StopReasonManual          StopReason = 3
)

// String returns "timeout", "new_conversation" or "manual".
func (r StopReason) String() string {
	switch r {
	case StopReasonTimeout:
		return "timeout"
	case StopReasonNewConversation:
		return "new_conversation"
	default:
		return defaultStopReasonText
	}
}

// StopGeneratingRequest is the body of POST /api/search/stop_generating.
type StopGeneratingRequest struct {
	MessageID string     `json:"message_id" validate:"required"`
	Reason    StopReason `json:"stop_generating_reason" validate:"omitempty,oneof=1 2 3"`
}

// Validate checks the struct tags and defaults Reason to manual.
func (r *StopGeneratingRequest) Validate() error {
	if err := searchValidate.Struct(r); err != nil {
		return err
	}
	if r.Reason == 0 {
		r.Reason = StopReasonManual
	}
	return nil
}
