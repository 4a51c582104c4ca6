package presence

import (
	"context"
	"sync"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

type roomState struct {
	nextJoin     int
	participants map[types.ClientIDType]types.Participant
}

// MemStore is the in-process Presence Store. A single mutex guards the
// state of every room, so operations on unrelated rooms are serialized
// against each other.
type MemStore struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*roomState
}

// NewMemStore creates an empty Presence Store.
func NewMemStore() *MemStore {
	return &MemStore{rooms: make(map[types.RoomIDType]*roomState)}
}

func (m *MemStore) state(room types.RoomIDType) *roomState {
	rs, ok := m.rooms[room]
	if !ok {
		rs = &roomState{participants: make(map[types.ClientIDType]types.Participant)}
		m.rooms[room] = rs
	}
	return rs
}

func (m *MemStore) NextJoinOrder(ctx context.Context, room types.RoomIDType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	order := rs.nextJoin
	rs.nextJoin++
	return order, nil
}

func (m *MemStore) Add(ctx context.Context, room types.RoomIDType, p types.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	rs.participants[p.ClientID] = p
	metrics.RoomParticipants.WithLabelValues(string(room)).Set(float64(len(rs.participants)))
	return nil
}

func (m *MemStore) Remove(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType) (types.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	p, ok := rs.participants[clientID]
	if !ok {
		return types.Participant{}, false, nil
	}
	delete(rs.participants, clientID)
	metrics.RoomParticipants.WithLabelValues(string(room)).Set(float64(len(rs.participants)))
	return p, true, nil
}

func (m *MemStore) Touch(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	p, ok := rs.participants[clientID]
	if !ok {
		return nil
	}
	p.LastSeen = now
	rs.participants[clientID] = p
	return nil
}

func (m *MemStore) List(ctx context.Context, room types.RoomIDType) ([]types.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	out := make([]types.Participant, 0, len(rs.participants))
	for _, p := range rs.participants {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemStore) StaleSince(ctx context.Context, room types.RoomIDType, threshold time.Time) ([]types.ClientIDType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.state(room)
	var stale []types.ClientIDType
	for id, p := range rs.participants {
		if p.LastSeen.Before(threshold) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

var _ Store = (*MemStore)(nil)
