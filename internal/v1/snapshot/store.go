// Package snapshot implements the Snapshot Store: the last-writer-wins
// opaque blob representing a room's current workspace document.
package snapshot

import (
	"context"
	"errors"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// ErrTooLarge is returned by Put when payload exceeds the configured cap.
var ErrTooLarge = errors.New("snapshot exceeds size limit")

// ErrUnavailable indicates the backing store could not be reached.
var ErrUnavailable = errors.New("snapshot store unavailable")

// Store is the Snapshot Store contract. There is no history:
// every Put replaces the prior payload for the room.
type Store interface {
	// Put replaces room's snapshot with payload. Returns ErrTooLarge if
	// payload exceeds the store's configured size cap.
	Put(ctx context.Context, room types.RoomIDType, payload []byte) error

	// Get returns room's current snapshot. ok is false if none has been
	// written yet.
	Get(ctx context.Context, room types.RoomIDType) (payload []byte, ok bool, err error)
}
