// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the dialog and message persistence contract.
//
// Two implementations exist:
//
//	mongostore   production, shared "dialog" and "message" collections
//	badgerstore  embedded, used when no Mongo URI is configured and in tests
//
// Both keep the same row shapes so a message written by one reads the same
// through the other.
package storage

import (
	"context"
	"errors"
	"time"
)

// TimeLayout is the wall-clock format stored in the time field of every row.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultHistoryLimit is how many previous messages feed the model query.
const DefaultHistoryLimit = 100

var (
	// ErrNotFound is returned when a dialog or message id matches nothing.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidID is returned when an id cannot be parsed by the backend.
	ErrInvalidID = errors.New("storage: invalid id")
)

// =============================================================================
// Models
// =============================================================================

// Dialog is one conversation.
type Dialog struct {
	ID        string           `json:"id"`
	User      string           `json:"user"`
	UserName  string           `json:"user_name"`
	Company   string           `json:"company"`
	Name      string           `json:"name"`
	Domain    string           `json:"domain"`
	Sources   []map[string]any `json:"sources"`
	Deleted   bool             `json:"deleted"`
	Activated bool             `json:"activated"`
	Time      string           `json:"time"`
}

// Message is one question/answer turn of a dialog.
//
// Content is the tracker's record of the turn (query, answer, references,
// debug and so on). An empty ID on upsert creates a new message.
type Message struct {
	ID             string           `json:"id"`
	DialogID       string           `json:"dialog_id"`
	Content        map[string]any   `json:"content"`
	Sources        []map[string]any `json:"sources"`
	Cost           float64          `json:"cost"`
	Domain         string           `json:"domain"`
	EnableThink    *bool            `json:"enable_think,omitempty"`
	Like           bool             `json:"like"`
	Dislike        bool             `json:"dislike"`
	Time           string           `json:"time"`
	StopGenerating bool             `json:"stop_generating,omitempty"`
	StopReason     string           `json:"stop_generating_reason,omitempty"`
}

// Store persists dialogs and messages.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// AddDialog creates a dialog and returns its id.
	AddDialog(ctx context.Context, d Dialog) (string, error)

	// ActivateDialog marks a dialog as having received its first message.
	ActivateDialog(ctx context.Context, dialogID string) error

	// History returns the content of the latest limit messages of a dialog
	// in domain, oldest first. Messages with empty content are skipped.
	History(ctx context.Context, domain, dialogID string, limit int) ([]map[string]any, error)

	// UpsertMessage replaces the stored fields of m, creating it when m.ID
	// is empty or unknown, and returns the message id. Like and Dislike are
	// reset and Time is set to now.
	UpsertMessage(ctx context.Context, m Message) (string, error)

	// ClearStopGenerating removes the stop flag and reason of a message.
	ClearStopGenerating(ctx context.Context, messageID string) error

	// StopGenerating flags a message as stopped. Returns ErrNotFound when
	// the message does not exist.
	StopGenerating(ctx context.Context, messageID, reason string) error

	// Close releases the backend.
	Close(ctx context.Context) error
}

// Now formats t in TimeLayout.
func Now(t time.Time) string {
	return t.Format(TimeLayout)
}

// HasContent reports whether a stored content map holds anything.
func HasContent(content map[string]any) bool {
	return len(content) > 0
}
