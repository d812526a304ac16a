package chat

import (
	"context"
	"testing"
	"time"

	"fuelq-chat/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticParticipants struct {
	rooms map[uint][]uint
}

func (p staticParticipants) Participants(_ context.Context, conv protocol.Conversation, self uint) ([]uint, error) {
	if conv.IsDirect() {
		return []uint{self, conv.UserID}, nil
	}
	return p.rooms[conv.RoomID], nil
}

func newTestTyping(t *testing.T, ttl time.Duration) (*Typing, *MemoryPresence, *recordingBus) {
	presence := NewMemoryPresence()
	bus := &recordingBus{}
	typing := NewTyping(staticParticipants{rooms: map[uint][]uint{7: {1, 2, 3}}}, presence, bus, ttl, quietLog())
	t.Cleanup(typing.Close)
	return typing, presence, bus
}

func TestTyping_StartStopPushOncePerSession(t *testing.T) {
	ctx := context.Background()
	typing, presence, bus := newTestTyping(t, time.Minute)
	require.NoError(t, presence.Focus(ctx, 2, protocol.RoomKey(7)))

	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	assert.True(t, typing.Active(1, protocol.InRoom(7)))

	started := bus.frames(t, protocol.TypeTyping)
	require.Len(t, started, 1)
	assert.Equal(t, []uint{2}, started[0].to, "only viewers, never the typist")
	f := started[0].frame.(*protocol.Typing)
	assert.Equal(t, uint(1), f.From)
	assert.Equal(t, uint(7), f.RoomID)

	require.NoError(t, typing.Stop(ctx, 1, "tab-1", protocol.InRoom(7)))
	require.NoError(t, typing.Stop(ctx, 1, "tab-1", protocol.InRoom(7)))
	assert.False(t, typing.Active(1, protocol.InRoom(7)))
	require.Len(t, bus.frames(t, protocol.TypeStopTyping), 1)

	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	assert.Len(t, bus.frames(t, protocol.TypeTyping), 2, "a new session starts")
}

func TestTyping_ExpiresOnce(t *testing.T) {
	ctx := context.Background()
	typing, presence, bus := newTestTyping(t, 30*time.Millisecond)
	require.NoError(t, presence.Focus(ctx, 3, protocol.RoomKey(7)))

	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	assert.Eventually(t, func() bool {
		return len(bus.frames(t, protocol.TypeStopTyping)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, typing.Stop(ctx, 1, "tab-1", protocol.InRoom(7)))
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, bus.frames(t, protocol.TypeStopTyping), 1)
}

func TestTyping_RefreshPostponesExpiry(t *testing.T) {
	ctx := context.Background()
	typing, presence, bus := newTestTyping(t, 80*time.Millisecond)
	require.NoError(t, presence.Focus(ctx, 2, protocol.RoomKey(7)))

	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.InRoom(7)))
	}
	assert.Empty(t, bus.frames(t, protocol.TypeStopTyping))
	assert.Eventually(t, func() bool {
		return len(bus.frames(t, protocol.TypeStopTyping)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTyping_DirectIsAddressedByTypist(t *testing.T) {
	ctx := context.Background()
	typing, presence, bus := newTestTyping(t, time.Minute)

	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.Direct(2)))
	assert.Empty(t, bus.frames(t, protocol.TypeTyping), "peer is not looking")
	require.NoError(t, typing.Stop(ctx, 1, "tab-1", protocol.Direct(2)))

	require.NoError(t, presence.Focus(ctx, 2, protocol.DirectKey(1, 2)))
	require.NoError(t, typing.Start(ctx, 1, "tab-1", protocol.Direct(2)))
	started := bus.frames(t, protocol.TypeTyping)
	require.Len(t, started, 1)
	assert.Equal(t, []uint{2}, started[0].to)
	f := started[0].frame.(*protocol.Typing)
	assert.Equal(t, protocol.Direct(1), f.Conversation)
	assert.Equal(t, uint(1), f.From)

	assert.ErrorIs(t, typing.Start(ctx, 1, "tab-1", protocol.Conversation{}), ErrInvalidConversation)
}

func TestTyping_SessionLastsWhileAnyTabHoldsIt(t *testing.T) {
	ctx := context.Background()
	typing, presence, bus := newTestTyping(t, time.Minute)
	require.NoError(t, presence.Focus(ctx, 2, protocol.RoomKey(7)))
	room := protocol.InRoom(7)

	require.NoError(t, typing.Start(ctx, 1, "tab-1", room))
	require.NoError(t, typing.Start(ctx, 1, "tab-2", room))
	require.Len(t, bus.frames(t, protocol.TypeTyping), 1)

	require.NoError(t, typing.Stop(ctx, 1, "tab-1", room))
	assert.True(t, typing.Active(1, room), "the other tab is still typing")
	assert.Empty(t, bus.frames(t, protocol.TypeStopTyping))

	require.NoError(t, typing.Stop(ctx, 1, "tab-3", room))
	assert.True(t, typing.Active(1, room), "a connection that never typed holds nothing")

	require.NoError(t, typing.Stop(ctx, 1, "tab-2", room))
	assert.False(t, typing.Active(1, room))
	assert.Len(t, bus.frames(t, protocol.TypeStopTyping), 1)
}
