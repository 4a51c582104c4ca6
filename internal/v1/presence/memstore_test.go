package presence

import (
	"context"
	"testing"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = types.RoomIDType("room-1")

func TestMemStore_NextJoinOrder_Monotonic(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	o1, err := s.NextJoinOrder(ctx, testRoom)
	require.NoError(t, err)
	o2, err := s.NextJoinOrder(ctx, testRoom)
	require.NoError(t, err)
	o3, err := s.NextJoinOrder(ctx, testRoom)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, []int{o1, o2, o3})
}

func TestMemStore_AddListRemove(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	p := types.Participant{ClientID: "c1", Nickname: "Ada", Color: "coral", JoinOrder: 0, LastSeen: time.Now()}
	require.NoError(t, s.Add(ctx, testRoom, p))

	list, err := s.List(ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ClientID, list[0].ClientID)

	removed, ok, err := s.Remove(ctx, testRoom, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p.Nickname, removed.Nickname)

	list, err = s.List(ctx, testRoom)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemStore_Remove_UnknownClientIsNotError(t *testing.T) {
	s := NewMemStore()
	_, ok, err := s.Remove(context.Background(), testRoom, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStore_Touch_UpdatesLastSeen(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	then := time.Now().Add(-time.Hour)
	require.NoError(t, s.Add(ctx, testRoom, types.Participant{ClientID: "c1", LastSeen: then}))

	now := time.Now()
	require.NoError(t, s.Touch(ctx, testRoom, "c1", now))

	list, err := s.List(ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.WithinDuration(t, now, list[0].LastSeen, time.Millisecond)
}

func TestMemStore_StaleSince(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	fresh := time.Now()
	stale := time.Now().Add(-time.Minute)
	require.NoError(t, s.Add(ctx, testRoom, types.Participant{ClientID: "fresh", LastSeen: fresh}))
	require.NoError(t, s.Add(ctx, testRoom, types.Participant{ClientID: "stale", LastSeen: stale}))

	staleIDs, err := s.StaleSince(ctx, testRoom, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []types.ClientIDType{"stale"}, staleIDs)
}
