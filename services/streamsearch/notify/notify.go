// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify coordinates search streams across replicas through Redis.
//
// # Description
//
// Two things are shared between replicas:
//
//   - A per-message lock (redsync), so one message id is generated by at
//     most one stream at a time. A regenerate request for a message that is
//     still streaming is rejected instead of interleaving two writers.
//   - A "message stored" notification on a Redis stream, appended after the
//     final record of a message is written, for downstream indexers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/healthassist/streamsearch/pkg/logging"
)

// ErrLocked is returned by LockMessage when another stream holds the lock.
var ErrLocked = errors.New("message is being generated by another stream")

// EventMessageStored is the "event" field of stream entries.
const EventMessageStored = "message_stored"

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Config configures the Notifier.
type Config struct {
	// Stream is the Redis stream key. Default: "streamsearch:messages".
	Stream string

	// MaxLen caps the stream length (approximate trimming). 0 disables.
	MaxLen int64

	// LockTTL is how long a message lock lives without Extend. Default: 5m.
	LockTTL time.Duration

	// LockPrefix namespaces lock keys. Default: "streamsearch:lock:message:".
	LockPrefix string
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "streamsearch:messages"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockPrefix == "" {
		c.LockPrefix = "streamsearch:lock:message:"
	}
	return c
}

// MessageStored describes a message whose final record was written.
type MessageStored struct {
	DialogID  string
	MessageID string
	Domain    string
	Cost      float64
}

// Notifier publishes notifications and hands out message locks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Notifier struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Notifier on client.
func New(client redis.UniversalClient, cfg Config, logger *logging.Logger) *Notifier {
	return &Notifier{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		cfg:    cfg.withDefaults(),
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// PublishMessageStored appends a message_stored entry and returns its id.
func (n *Notifier) PublishMessageStored(ctx context.Context, m MessageStored) (string, error) {
	args := &redis.XAddArgs{
		Stream: n.cfg.Stream,
		Values: map[string]any{
			"event":      EventMessageStored,
			"dialog_id":  m.DialogID,
			"message_id": m.MessageID,
			"domain":     m.Domain,
			"cost":       m.Cost,
			"stored_at":  n.now().UnixMilli(),
		},
	}
	if n.cfg.MaxLen > 0 {
		args.MaxLen = n.cfg.MaxLen
		args.Approx = true
	}
	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s for %s: %w", EventMessageStored, m.MessageID, err)
	}
	n.logger.Debug("message stored published", "message_id", m.MessageID, "entry_id", id)
	return id, nil
}

// LockMessage acquires the lock of messageID without retrying.
//
// # Outputs
//
//   - *MessageLock: The held lock. Release it when the stream is flushed.
//   - error: ErrLocked when another stream holds the lock, or the Redis
//     failure.
func (n *Notifier) LockMessage(ctx context.Context, messageID string) (*MessageLock, error) {
	mutex := n.rs.NewMutex(n.cfg.LockPrefix+messageID,
		redsync.WithExpiry(n.cfg.LockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock message %s: %w", messageID, err)
	}
	return &MessageLock{mutex: mutex, messageID: messageID, logger: n.logger}, nil
}

// MessageLock is a held message lock.
type MessageLock struct {
	mutex     *redsync.Mutex
	messageID string
	logger    *logging.Logger
}

// Release unlocks. An already expired lock is not an error.
func (l *MessageLock) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	var taken *redsync.ErrTaken
	switch {
	case errors.As(err, &taken), err == nil && !ok:
		// The key is gone or holds another stream's value.
		l.logger.Warn("message lock already expired", "message_id", l.messageID)
		return nil
	case err != nil:
		return fmt.Errorf("unlock message %s: %w", l.messageID, err)
	}
	return nil
}

// Extend renews the lock's expiry.
func (l *MessageLock) Extend(ctx context.Context) error {
	if _, err := l.mutex.ExtendContext(ctx); err != nil {
		return fmt.Errorf("extend lock of message %s: %w", l.messageID, err)
	}
	return nil
}
