package snapshot

import (
	"context"
	"testing"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = types.RoomIDType("room-1")

func TestMemStore_PutGet_RoundTrips(t *testing.T) {
	s := NewMemStore(1 << 20)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRoom, []byte(`{"blocks":[]}`)))

	payload, ok, err := s.Get(ctx, testRoom)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"blocks":[]}`, string(payload))
}

func TestMemStore_Get_MissingIsNotError(t *testing.T) {
	s := NewMemStore(1 << 20)
	_, ok, err := s.Get(context.Background(), testRoom)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStore_Put_OversizeRejected(t *testing.T) {
	s := NewMemStore(4)
	err := s.Put(context.Background(), testRoom, []byte("toolarge"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestMemStore_Put_NoCapMeansUnbounded(t *testing.T) {
	s := NewMemStore(0)
	err := s.Put(context.Background(), testRoom, make([]byte, 1<<16))
	assert.NoError(t, err)
}

func TestMemStore_Put_LastWriterWins(t *testing.T) {
	s := NewMemStore(1 << 20)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRoom, []byte("first")))
	require.NoError(t, s.Put(ctx, testRoom, []byte("second")))

	payload, ok, err := s.Get(ctx, testRoom)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(payload))
}
