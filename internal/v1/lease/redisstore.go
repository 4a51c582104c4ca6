package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/bus"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// RedisStore is the networked Lease Store backed by bus.Service's
// atomic Lua scripts. Key layout:
//
//	lease:{room}:{key}       - the lease itself, value is the owner, PX ttl
//	leaseroom:{room}         - set of live lease keys in the room
//	leaseowner:{room}:{owner} - set of live lease keys held by owner
type RedisStore struct {
	svc *bus.Service
}

// NewRedisStore wraps svc as a Lease Store.
func NewRedisStore(svc *bus.Service) *RedisStore {
	return &RedisStore{svc: svc}
}

func leaseKey(room types.RoomIDType, key types.BlockIDType) string {
	return fmt.Sprintf("lease:%s:%s", room, key)
}

func roomSetKey(room types.RoomIDType) string {
	return fmt.Sprintf("leaseroom:%s", room)
}

func ownerSetKey(room types.RoomIDType, owner types.ClientIDType) string {
	return fmt.Sprintf("leaseowner:%s:%s", room, owner)
}

func (r *RedisStore) Acquire(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType, ttl time.Duration) ([]Conflict, error) {
	return r.AcquireMany(ctx, room, []types.BlockIDType{key}, owner, ttl)
}

func (r *RedisStore) AcquireMany(ctx context.Context, room types.RoomIDType, keys []types.BlockIDType, owner types.ClientIDType, ttl time.Duration) ([]Conflict, error) {
	redisKeys := make([]string, len(keys))
	byRedisKey := make(map[string]types.BlockIDType, len(keys))
	for i, k := range keys {
		rk := leaseKey(room, k)
		redisKeys[i] = rk
		byRedisKey[rk] = k
	}

	conflictKeys, err := r.svc.AcquireMany(ctx, redisKeys, string(owner), roomSetKey(room), ownerSetKey(room, owner), ttl)
	if err != nil {
		return nil, ErrUnavailable
	}
	if len(conflictKeys) == 0 {
		return nil, nil
	}

	conflicts := make([]Conflict, 0, len(conflictKeys))
	for _, rk := range conflictKeys {
		holder, remaining, ok, gErr := r.svc.GetWithTTL(ctx, rk)
		if gErr != nil || !ok {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Key:          byRedisKey[rk],
			Owner:        types.ClientIDType(holder),
			RemainingTTL: remaining,
		})
	}
	return conflicts, nil
}

func (r *RedisStore) Release(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType) (bool, error) {
	released, err := r.svc.Release(ctx, leaseKey(room, key), string(owner), roomSetKey(room), ownerSetKey(room, owner))
	if err != nil {
		return false, ErrUnavailable
	}
	return released, nil
}

func (r *RedisStore) ReleaseAll(ctx context.Context, room types.RoomIDType, owner types.ClientIDType) ([]types.BlockIDType, error) {
	released, err := r.svc.ReleaseAll(ctx, string(owner), roomSetKey(room), ownerSetKey(room, owner))
	if err != nil {
		return nil, ErrUnavailable
	}
	prefix := fmt.Sprintf("lease:%s:", room)
	out := make([]types.BlockIDType, 0, len(released))
	for _, rk := range released {
		out = append(out, types.BlockIDType(rk[len(prefix):]))
	}
	return out, nil
}

func (r *RedisStore) Snapshot(ctx context.Context, room types.RoomIDType) (map[types.BlockIDType]types.ClientIDType, error) {
	raw, err := r.svc.SnapshotRoom(ctx, roomSetKey(room))
	if err != nil {
		return nil, ErrUnavailable
	}
	prefix := fmt.Sprintf("lease:%s:", room)
	out := make(map[types.BlockIDType]types.ClientIDType, len(raw))
	for rk, owner := range raw {
		out[types.BlockIDType(rk[len(prefix):])] = types.ClientIDType(owner)
	}
	return out, nil
}

func (r *RedisStore) ExtendByOwner(ctx context.Context, room types.RoomIDType, owner types.ClientIDType, keys []types.BlockIDType, ttl time.Duration) error {
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = leaseKey(room, k)
	}
	if err := r.svc.ExtendMany(ctx, redisKeys, string(owner), ttl); err != nil {
		return ErrUnavailable
	}
	return nil
}
