package chat

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"fuelq-chat/protocol"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPresenceStore(t *testing.T, p PresenceStore) {
	ctx := context.Background()

	first, err := p.Connect(ctx, 1)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = p.Connect(ctx, 1)
	require.NoError(t, err)
	assert.False(t, first, "second tab")

	online, err := p.Online(ctx, []uint{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[uint]bool{1: true, 2: false}, online)

	last, err := p.Disconnect(ctx, 1)
	require.NoError(t, err)
	assert.False(t, last)
	last, err = p.Disconnect(ctx, 1)
	require.NoError(t, err)
	assert.True(t, last)
	last, err = p.Disconnect(ctx, 1)
	require.NoError(t, err)
	assert.False(t, last, "counter never goes below zero")

	first, err = p.Connect(ctx, 1)
	require.NoError(t, err)
	assert.True(t, first, "back online after a spurious disconnect")

	key := protocol.RoomKey(3)
	require.NoError(t, p.Focus(ctx, 1, key))
	require.NoError(t, p.Focus(ctx, 1, key))
	require.NoError(t, p.Blur(ctx, 1, key))
	viewing, err := p.Viewing(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, viewing, "still open in another tab")

	require.NoError(t, p.Blur(ctx, 1, key))
	require.NoError(t, p.Blur(ctx, 1, key))
	viewing, err = p.Viewing(ctx, 1, key)
	require.NoError(t, err)
	assert.False(t, viewing)

	require.NoError(t, p.Focus(ctx, 1, key))
	viewing, err = p.Viewing(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, viewing)
}

func TestMemoryPresence(t *testing.T) {
	testPresenceStore(t, NewMemoryPresence())
}

func TestRedisPresence(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	p := NewRedisPresence(client)
	p.prefix = fmt.Sprintf("fuelq:test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), p.prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	testPresenceStore(t, p)
}

type staticWatchers map[uint][]uint

func (w staticWatchers) Watchers(_ context.Context, user uint) ([]uint, error) {
	return w[user], nil
}

func TestTracker_BroadcastsOnTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	tr := NewTracker(NewMemoryPresence(), staticWatchers{1: {2, 3}, 2: {1}}, bus, quietLog())

	require.NoError(t, tr.Connected(ctx, 1))
	require.NoError(t, tr.Connected(ctx, 1))

	online := bus.frames(t, protocol.TypeUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, []uint{2, 3}, online[0].to)
	assert.Equal(t, uint(1), online[0].frame.(*protocol.UserOnline).UserID)

	require.NoError(t, tr.Connected(ctx, 2))
	snap, err := tr.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, snap)

	require.NoError(t, tr.Disconnected(ctx, 1))
	assert.Empty(t, bus.frames(t, protocol.TypeUserOffline))
	ok, err := tr.Online(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tr.Disconnected(ctx, 1))
	offline := bus.frames(t, protocol.TypeUserOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, []uint{2, 3}, offline[0].to)

	ok, err = tr.Online(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
