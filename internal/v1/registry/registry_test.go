package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/blockworkspace/collab-backend/internal/v1/lease"
	"github.com/blockworkspace/collab-backend/internal/v1/presence"
	"github.com/blockworkspace/collab-backend/internal/v1/snapshot"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(Factories{
		Records:  NewMemRecordStore(10),
		Presence: presence.NewMemStore(),
		Leases:   lease.NewMemStore(),
		Snapshot: snapshot.NewMemStore(1 << 20),
	})
}

func TestRegistry_Get_ConstructsOnFirstUse(t *testing.T) {
	r := newTestRegistry()

	rc, err := r.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, types.RoomIDType("room-1"), rc.Meta.ID)
	assert.Equal(t, uint(10), rc.Meta.MaxUsers)
	assert.NotNil(t, rc.Hub)
}

func TestRegistry_Get_IsIdempotent(t *testing.T) {
	r := newTestRegistry()

	rc1, err := r.Get(context.Background(), "room-1")
	require.NoError(t, err)
	rc2, err := r.Get(context.Background(), "room-1")
	require.NoError(t, err)

	assert.Same(t, rc1, rc2)
}

func TestRegistry_Get_ConcurrentCallersShareOneInstance(t *testing.T) {
	r := newTestRegistry()

	const n = 50
	results := make([]*RoomCtx, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rc, err := r.Get(context.Background(), "room-shared")
			require.NoError(t, err)
			results[i] = rc
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestRegistry_RoomIDs_ListsConstructedRooms(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Get(context.Background(), "room-1")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "room-2")
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.RoomIDType{"room-1", "room-2"}, r.RoomIDs())
}

func TestRegistry_DifferentRooms_GetIndependentRoomCtx(t *testing.T) {
	r := newTestRegistry()

	rc1, err := r.Get(context.Background(), "room-1")
	require.NoError(t, err)
	rc2, err := r.Get(context.Background(), "room-2")
	require.NoError(t, err)

	assert.NotSame(t, rc1, rc2)
	assert.NotEqual(t, rc1.Meta.ID, rc2.Meta.ID)
}
