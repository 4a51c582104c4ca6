package registry

import (
	"sync"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// MemRecordStore is the in-process default RoomRecordStore: it invents a
// room with MaxUsers set to the configured default the first time any
// room_id is seen, and returns the same record thereafter. Durable room
// definitions (titles, custom capacities) are out of scope and
// belong to an external store that would satisfy the same interface.
type MemRecordStore struct {
	mu              sync.Mutex
	rooms           map[types.RoomIDType]types.Room
	defaultMaxUsers uint
}

// NewMemRecordStore creates a MemRecordStore that assigns defaultMaxUsers
// to every room it invents.
func NewMemRecordStore(defaultMaxUsers uint) *MemRecordStore {
	return &MemRecordStore{
		rooms:           make(map[types.RoomIDType]types.Room),
		defaultMaxUsers: defaultMaxUsers,
	}
}

func (s *MemRecordStore) GetOrCreateRoom(id types.RoomIDType) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[id]; ok {
		return room, nil
	}

	room := types.Room{
		ID:        id,
		MaxUsers:  s.defaultMaxUsers,
		CreatedAt: time.Now(),
	}
	s.rooms[id] = room
	return room, nil
}

var _ types.RoomRecordStore = (*MemRecordStore)(nil)
