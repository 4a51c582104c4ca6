// Package presence implements the Presence Store: who is connected to a
// room, their display identity, and how recently they were heard from.
package presence

import (
	"context"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// Store is the Presence Store contract. Presence is process-
// local: rooms do not span server instances, so MemStore is the only
// implementation.
type Store interface {
	// NextJoinOrder returns the next monotonic join index for room, used
	// to assign a deterministic color from the configured palette.
	NextJoinOrder(ctx context.Context, room types.RoomIDType) (int, error)

	// Add records p as connected to room.
	Add(ctx context.Context, room types.RoomIDType, p types.Participant) error

	// Remove drops clientID from room and returns the removed record.
	// ok is false if clientID was not present (already removed, e.g. by
	// a racing reaper sweep).
	Remove(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType) (p types.Participant, ok bool, err error)

	// Touch refreshes clientID's last-seen timestamp.
	Touch(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType, now time.Time) error

	// List returns every participant currently tracked in room.
	List(ctx context.Context, room types.RoomIDType) ([]types.Participant, error)

	// StaleSince returns the client IDs whose last-seen time is before
	// threshold, for the reaper to evict.
	StaleSince(ctx context.Context, room types.RoomIDType, threshold time.Time) ([]types.ClientIDType, error)
}
