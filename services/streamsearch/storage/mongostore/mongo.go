// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongostore implements storage.Store on MongoDB.
//
// Dialogs live in the "dialog" collection and messages in "message", both
// keyed by ObjectID. Message rows are replaced field by field with $set so
// stop-generating flags written by another request survive an upsert.
package mongostore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
)

const (
	dialogCollection  = "dialog"
	messageCollection = "message"
)

// Config configures the Mongo connection.
type Config struct {
	// URI is the connection string, e.g. mongodb://localhost:27017.
	URI string

	// Database holds both collections.
	Database string

	// ConnectTimeout bounds connect and the initial ping. Default: 10s.
	ConnectTimeout time.Duration
}

// Store is a storage.Store backed by MongoDB.
type Store struct {
	client   *mongo.Client
	dialogs  *mongo.Collection
	messages *mongo.Collection
	logger   *logging.Logger
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to Mongo and pings the primary.
//
// # Inputs
//
//   - ctx: Bounds the connection attempt together with cfg.ConnectTimeout.
//   - cfg: Connection settings. URI and Database are required.
//   - logger: Optional. nil uses logging.Default().
//
// # Outputs
//
//   - *Store: Ready store. Call Close when done.
//   - error: Non-nil if the client cannot connect.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	return &Store{
		client:   client,
		dialogs:  db.Collection(dialogCollection),
		messages: db.Collection(messageCollection),
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}, nil
}

// AddDialog inserts a new, unactivated dialog.
func (s *Store) AddDialog(ctx context.Context, d storage.Dialog) (string, error) {
	res, err := s.dialogs.InsertOne(ctx, dialogRow(d, s.now()))
	if err != nil {
		return "", fmt.Errorf("insert dialog: %w", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("insert dialog: unexpected id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

// ActivateDialog sets activated on the dialog.
func (s *Store) ActivateDialog(ctx context.Context, dialogID string) error {
	oid, err := objectID(dialogID)
	if err != nil {
		return err
	}
	res, err := s.dialogs.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"activated": true}})
	if err != nil {
		return fmt.Errorf("activate dialog %s: %w", dialogID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("activate dialog %s: %w", dialogID, storage.ErrNotFound)
	}
	return nil
}

// History reads the latest limit message contents of a dialog, oldest first.
func (s *Store) History(ctx context.Context, domain, dialogID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"content": 1})

	cur, err := s.messages.Find(ctx, bson.M{"domain": domain, "dialog_id": dialogID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find history of %s: %w", dialogID, err)
	}
	var rows []struct {
		Content map[string]any `bson:"content"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", dialogID, err)
	}

	history := make([]map[string]any, 0, len(rows))
	for _, row := range slices.Backward(rows) {
		if storage.HasContent(row.Content) {
			history = append(history, row.Content)
		}
	}
	return history, nil
}

// UpsertMessage writes m and returns its id.
func (s *Store) UpsertMessage(ctx context.Context, m storage.Message) (string, error) {
	row := messageRow(m, s.now())
	if m.ID == "" {
		res, err := s.messages.InsertOne(ctx, row)
		if err != nil {
			return "", fmt.Errorf("insert message: %w", err)
		}
		id, ok := res.InsertedID.(primitive.ObjectID)
		if !ok {
			return "", fmt.Errorf("insert message: unexpected id type %T", res.InsertedID)
		}
		return id.Hex(), nil
	}

	oid, err := objectID(m.ID)
	if err != nil {
		return "", err
	}
	_, err = s.messages.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": row}, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return m.ID, nil
}

// ClearStopGenerating unsets the stop flag and reason.
func (s *Store) ClearStopGenerating(ctx context.Context, messageID string) error {
	oid, err := objectID(messageID)
	if err != nil {
		return err
	}
	_, err = s.messages.UpdateOne(ctx, bson.M{"_id": oid},
		bson.M{"$unset": bson.M{"stop_generating": "", "stop_generating_reason": ""}})
	if err != nil {
		return fmt.Errorf("clear stop generating %s: %w", messageID, err)
	}
	return nil
}

// StopGenerating flags the message as stopped for reason.
func (s *Store) StopGenerating(ctx context.Context, messageID, reason string) error {
	oid, err := objectID(messageID)
	if err != nil {
		return err
	}
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": oid},
		bson.M{"$set": bson.M{"stop_generating": true, "stop_generating_reason": reason}})
	if err != nil {
		return fmt.Errorf("stop generating %s: %w", messageID, err)
	}
	if res.MatchedCount != 1 {
		return fmt.Errorf("stop generating %s: %w", messageID, storage.ErrNotFound)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// =============================================================================
// Rows
// =============================================================================

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", storage.ErrInvalidID, id)
	}
	return oid, nil
}

func dialogRow(d storage.Dialog, now time.Time) bson.M {
	sources := d.Sources
	if sources == nil {
		sources = []map[string]any{}
	}
	return bson.M{
		"user":      d.User,
		"user_name": d.UserName,
		"company":   d.Company,
		"name":      d.Name,
		"domain":    d.Domain,
		"deleted":   false,
		"sources":   sources,
		"time":      storage.Now(now),
		"activated": false,
	}
}

func messageRow(m storage.Message, now time.Time) bson.M {
	sources := m.Sources
	if sources == nil {
		sources = []map[string]any{}
	}
	content := m.Content
	if content == nil {
		content = map[string]any{}
	}
	row := bson.M{
		"content":   content,
		"dialog_id": m.DialogID,
		"cost":      m.Cost,
		"domain":    m.Domain,
		"sources":   sources,
		"like":      false,
		"dislike":   false,
		"time":      storage.Now(now),
	}
	if m.EnableThink != nil {
		row["enable_think"] = *m.EnableThink
	}
	return row
}
