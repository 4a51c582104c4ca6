package lease

import (
	"context"
	"sync"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

type entry struct {
	owner     types.ClientIDType
	expiresAt time.Time
}

// MemStore is an in-process Lease Store guarded by a single mutex. It is
// the default when REDIS_ENABLED is false, and the reference
// implementation RedisStore is checked against in tests.
//
// Locking follows the coredhcp transient lease store: one lock protects
// the whole map, since lease mutations are small and infrequent compared
// to the WebSocket I/O they gate.
type MemStore struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]map[types.BlockIDType]entry
}

// NewMemStore creates an empty in-memory Lease Store.
func NewMemStore() *MemStore {
	return &MemStore{rooms: make(map[types.RoomIDType]map[types.BlockIDType]entry)}
}

func (m *MemStore) roomMap(room types.RoomIDType) map[types.BlockIDType]entry {
	rm, ok := m.rooms[room]
	if !ok {
		rm = make(map[types.BlockIDType]entry)
		m.rooms[room] = rm
	}
	return rm
}

func isLive(e entry, now time.Time) bool {
	return now.Before(e.expiresAt)
}

func (m *MemStore) Acquire(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType, ttl time.Duration) ([]Conflict, error) {
	return m.AcquireMany(ctx, room, []types.BlockIDType{key}, owner, ttl)
}

func (m *MemStore) AcquireMany(ctx context.Context, room types.RoomIDType, keys []types.BlockIDType, owner types.ClientIDType, ttl time.Duration) ([]Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rm := m.roomMap(room)

	var conflicts []Conflict
	for _, key := range keys {
		if e, ok := rm[key]; ok && isLive(e, now) && e.owner != owner {
			conflicts = append(conflicts, Conflict{Key: key, Owner: e.owner, RemainingTTL: e.expiresAt.Sub(now)})
		}
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}

	expiresAt := now.Add(ttl)
	for _, key := range keys {
		rm[key] = entry{owner: owner, expiresAt: expiresAt}
	}
	metrics.LeasesHeld.WithLabelValues(string(room)).Set(float64(m.liveCountLocked(rm, now)))
	return nil, nil
}

func (m *MemStore) Release(ctx context.Context, room types.RoomIDType, key types.BlockIDType, owner types.ClientIDType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := m.roomMap(room)
	e, ok := rm[key]
	if !ok || e.owner != owner || !isLive(e, time.Now()) {
		return false, nil
	}
	delete(rm, key)
	metrics.LeasesHeld.WithLabelValues(string(room)).Set(float64(m.liveCountLocked(rm, time.Now())))
	return true, nil
}

func (m *MemStore) ReleaseAll(ctx context.Context, room types.RoomIDType, owner types.ClientIDType) ([]types.BlockIDType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rm := m.roomMap(room)
	var released []types.BlockIDType
	for key, e := range rm {
		if e.owner == owner {
			if isLive(e, now) {
				released = append(released, key)
			}
			delete(rm, key)
		}
	}
	metrics.LeasesHeld.WithLabelValues(string(room)).Set(float64(m.liveCountLocked(rm, now)))
	return released, nil
}

func (m *MemStore) Snapshot(ctx context.Context, room types.RoomIDType) (map[types.BlockIDType]types.ClientIDType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rm := m.roomMap(room)
	out := make(map[types.BlockIDType]types.ClientIDType, len(rm))
	for key, e := range rm {
		if isLive(e, now) {
			out[key] = e.owner
		} else {
			delete(rm, key)
		}
	}
	return out, nil
}

func (m *MemStore) ExtendByOwner(ctx context.Context, room types.RoomIDType, owner types.ClientIDType, keys []types.BlockIDType, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := m.roomMap(room)
	now := time.Now()
	for _, key := range keys {
		if e, ok := rm[key]; ok && e.owner == owner && isLive(e, now) {
			rm[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
		}
	}
	return nil
}

// liveCountLocked counts non-expired entries. Caller must hold m.mu.
func (m *MemStore) liveCountLocked(rm map[types.BlockIDType]entry, now time.Time) int {
	n := 0
	for _, e := range rm {
		if isLive(e, now) {
			n++
		}
	}
	return n
}
