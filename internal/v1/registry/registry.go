// Package registry implements the Room Registry: lazy, idempotent
// construction of the per-room resource bundle a Session needs.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/blockworkspace/collab-backend/internal/v1/hub"
	"github.com/blockworkspace/collab-backend/internal/v1/lease"
	"github.com/blockworkspace/collab-backend/internal/v1/presence"
	"github.com/blockworkspace/collab-backend/internal/v1/snapshot"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// ErrRecordStoreUnavailable is returned when the external room-metadata
// record store cannot resolve or create a room; Opening must close 1011.
var ErrRecordStoreUnavailable = errors.New("room record store unavailable")

// RoomCtx bundles the per-room resources a Session interacts with.
type RoomCtx struct {
	Meta     types.Room
	Hub      *hub.Hub
	Presence presence.Store
	Leases   lease.Store
	Snapshot snapshot.Store
}

// Factories holds the shared, process-wide stores every room's RoomCtx is
// assembled from. Presence, Leases and Snapshot are single instances that
// every RoomCtx shares (each store keys its data by room ID); only the Hub
// is built per room, by NewHubForRoom (hub.New when nil).
type Factories struct {
	Records       types.RoomRecordStore
	Presence      presence.Store
	Leases        lease.Store
	Snapshot      snapshot.Store
	NewHubForRoom func(types.RoomIDType) *hub.Hub
}

// Registry lazily constructs and caches one RoomCtx per room, guaranteeing
// concurrent callers asking for the same room_id observe the same instance.
// Rooms are process-long: nothing in this package ever evicts an entry;
// a room exists for the life of the server process once created.
type Registry struct {
	mu        sync.Mutex
	rooms     map[types.RoomIDType]*RoomCtx
	pending   map[types.RoomIDType]chan struct{}
	factories Factories
}

// New creates a Registry backed by factories.
func New(factories Factories) *Registry {
	return &Registry{
		rooms:     make(map[types.RoomIDType]*RoomCtx),
		pending:   make(map[types.RoomIDType]chan struct{}),
		factories: factories,
	}
}

// Get returns the RoomCtx for roomID, constructing it on first use. Two
// concurrent callers racing to construct the same room both block until
// the winner finishes, then see the same *RoomCtx.
func (r *Registry) Get(ctx context.Context, roomID types.RoomIDType) (*RoomCtx, error) {
	for {
		r.mu.Lock()
		if rc, ok := r.rooms[roomID]; ok {
			r.mu.Unlock()
			return rc, nil
		}
		if wait, ok := r.pending[roomID]; ok {
			r.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		r.pending[roomID] = wait
		r.mu.Unlock()

		rc, err := r.construct(ctx, roomID)

		r.mu.Lock()
		delete(r.pending, roomID)
		if err == nil {
			r.rooms[roomID] = rc
		}
		close(wait)
		r.mu.Unlock()

		return rc, err
	}
}

func (r *Registry) construct(ctx context.Context, roomID types.RoomIDType) (*RoomCtx, error) {
	meta, err := r.factories.Records.GetOrCreateRoom(roomID)
	if err != nil {
		return nil, ErrRecordStoreUnavailable
	}

	newHub := r.factories.NewHubForRoom
	if newHub == nil {
		newHub = hub.New
	}

	return &RoomCtx{
		Meta:     meta,
		Hub:      newHub(roomID),
		Presence: r.factories.Presence,
		Leases:   r.factories.Leases,
		Snapshot: r.factories.Snapshot,
	}, nil
}

// RoomIDs returns a snapshot of every room ever constructed, for the
// reaper to sweep.
func (r *Registry) RoomIDs() []types.RoomIDType {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]types.RoomIDType, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
