// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthassist/streamsearch/pkg/logging"
)

func newTestNotifier(t *testing.T, cfg Config) (*Notifier, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, cfg, logging.Nop()), mr, client
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Dial(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = Dial(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestPublishMessageStored(t *testing.T) {
	n, _, client := newTestNotifier(t, Config{Stream: "test:messages"})
	n.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	id, err := n.PublishMessageStored(ctx, MessageStored{DialogID: "d1", MessageID: "m1", Domain: "search", Cost: 1.5})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "test:messages", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, map[string]any{
		"event":      "message_stored",
		"dialog_id":  "d1",
		"message_id": "m1",
		"domain":     "search",
		"cost":       "1.5",
		"stored_at":  "1700000000000",
	}, entries[0].Values)
}

func TestPublishMessageStored_DefaultStream(t *testing.T) {
	n, _, client := newTestNotifier(t, Config{MaxLen: 10})
	ctx := context.Background()

	_, err := n.PublishMessageStored(ctx, MessageStored{MessageID: "m1"})
	require.NoError(t, err)

	length, err := client.XLen(ctx, "streamsearch:messages").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestPublishMessageStored_RedisDown(t *testing.T) {
	n, mr, _ := newTestNotifier(t, Config{})
	mr.Close()

	_, err := n.PublishMessageStored(context.Background(), MessageStored{MessageID: "m1"})
	assert.ErrorContains(t, err, "publish message_stored for m1")
}

func TestLockMessage_Exclusive(t *testing.T) {
	n, _, _ := newTestNotifier(t, Config{})
	ctx := context.Background()

	lock, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err)

	_, err = n.LockMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := n.LockMessage(ctx, "m2")
	require.NoError(t, err, "locks are per message")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Extend(ctx))
	require.NoError(t, lock.Release(ctx))

	again, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err, "released lock can be reacquired")
	require.NoError(t, again.Release(ctx))
}

func TestLockMessage_Expires(t *testing.T) {
	n, mr, _ := newTestNotifier(t, Config{LockTTL: time.Second})
	ctx := context.Background()

	_, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	lock, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err, "expired lock is free")
	require.NoError(t, lock.Release(ctx))
}

func TestMessageLock_ReleaseAfterExpiry(t *testing.T) {
	n, mr, _ := newTestNotifier(t, Config{LockTTL: time.Second})
	ctx := context.Background()

	lock, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.NoError(t, lock.Release(ctx), "expired lock releases quietly")

	taker, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err)
	assert.NoError(t, lock.Release(ctx), "a stale holder never frees the new owner")

	_, err = n.LockMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, taker.Release(ctx))
}

func TestMessageLock_ReleaseRedisDown(t *testing.T) {
	n, mr, _ := newTestNotifier(t, Config{})
	ctx := context.Background()

	lock, err := n.LockMessage(ctx, "m1")
	require.NoError(t, err)

	mr.Close()
	assert.ErrorContains(t, lock.Release(ctx), "unlock message m1")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, "streamsearch:messages", cfg.Stream)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, "streamsearch:lock:message:", cfg.LockPrefix)
}
