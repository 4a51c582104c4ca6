package snapshot

import (
	"context"
	"sync"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// MemStore is an in-process, size-capped Snapshot Store. Snapshots are
// lost on restart unless RedisStore is configured instead.
type MemStore struct {
	mu       sync.RWMutex
	blobs    map[types.RoomIDType][]byte
	maxBytes int
}

// NewMemStore creates a Snapshot Store that rejects payloads over maxBytes.
func NewMemStore(maxBytes int) *MemStore {
	return &MemStore{blobs: make(map[types.RoomIDType][]byte), maxBytes: maxBytes}
}

func (m *MemStore) Put(ctx context.Context, room types.RoomIDType, payload []byte) error {
	if m.maxBytes > 0 && len(payload) > m.maxBytes {
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.blobs[room] = cp
	return nil
}

func (m *MemStore) Get(ctx context.Context, room types.RoomIDType) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[room]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true, nil
}

var _ Store = (*MemStore)(nil)
