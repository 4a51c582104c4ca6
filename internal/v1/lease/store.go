// Package lease implements the Lease Store: the sole authority granting
// exclusive, time-bounded ownership of a block to a client. Every grant
// and release goes through this package; nothing else may mutate lease
// state directly: one owner per resource at any moment.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// ErrUnavailable indicates the backing store could not be reached. Callers
// should surface a transient error to the requester rather than retry
// inside the request path.
var ErrUnavailable = errors.New("lease store unavailable")

// Conflict describes one key that blocked an AcquireMany batch.
type Conflict struct {
	Key          types.BlockIDType
	Owner        types.ClientIDType
	RemainingTTL time.Duration
}

// Store is the Lease Store contract. All-or-nothing batch
// semantics in AcquireMany require server-side atomicity when the backing
// store is networked; RedisStore provides that via a Lua script, MemStore
// via a single mutex.
type Store interface {
	// Acquire is AcquireMany for a single key.
	Acquire(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType, ttl time.Duration) (conflicts []Conflict, err error)

	// AcquireMany grants every key in keys to owner, or none of them.
	// Keys already held by owner are refreshed with the new ttl. On
	// denial, conflicts reports every blocking key with its current
	// owner and remaining TTL so the caller can build a LOCK_DENIED frame.
	AcquireMany(ctx context.Context, room types.RoomIDType, keys []types.BlockIDType, owner types.ClientIDType, ttl time.Duration) (conflicts []Conflict, err error)

	// Release drops key if owner currently holds it. Returns false if
	// owner did not hold it (not an error: releases are best-effort on
	// a path that may race with the reaper).
	Release(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType) (released bool, err error)

	// ReleaseAll drops every key owner holds in room and returns the
	// keys actually released, for Closing to broadcast LOCK_UPDATE per key.
	ReleaseAll(ctx context.Context, room types.RoomIDType, owner types.ClientIDType) (released []types.BlockIDType, err error)

	// Snapshot returns the full key->owner map for room, used to build
	// INIT_STATE on Opening.
	Snapshot(ctx context.Context, room types.RoomIDType) (map[types.BlockIDType]types.ClientIDType, error)

	// ExtendByOwner refreshes ttl on every key in keys still owned by owner.
	ExtendByOwner(ctx context.Context, room types.RoomIDType, owner types.ClientIDType, keys []types.BlockIDType, ttl time.Duration) error
}
