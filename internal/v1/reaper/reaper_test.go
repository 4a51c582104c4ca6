package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoomLister struct{ rooms []types.RoomIDType }

func (f *fakeRoomLister) RoomIDs() []types.RoomIDType { return f.rooms }

type fakePresence struct {
	mu    sync.Mutex
	stale map[types.RoomIDType][]types.ClientIDType
}

func (f *fakePresence) StaleSince(ctx context.Context, room types.RoomIDType, threshold time.Time) ([]types.ClientIDType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale[room], nil
}

type evictionRecord struct {
	room     types.RoomIDType
	clientID types.ClientIDType
}

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []evictionRecord
}

func (f *fakeEvictor) Evict(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, evictionRecord{room: room, clientID: clientID})
}

func (f *fakeEvictor) snapshot() []evictionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]evictionRecord, len(f.evicted))
	copy(out, f.evicted)
	return out
}

func TestReaper_Sweep_EvictsStaleParticipants(t *testing.T) {
	rooms := &fakeRoomLister{rooms: []types.RoomIDType{"room-1"}}
	pres := &fakePresence{stale: map[types.RoomIDType][]types.ClientIDType{"room-1": {"c1", "c2"}}}
	ev := &fakeEvictor{}

	r := New(rooms, pres, ev, time.Hour, time.Minute)
	r.sweep(context.Background())

	assert.ElementsMatch(t, []evictionRecord{{"room-1", "c1"}, {"room-1", "c2"}}, ev.snapshot())
}

func TestReaper_Sweep_NoStaleParticipantsIsNoOp(t *testing.T) {
	rooms := &fakeRoomLister{rooms: []types.RoomIDType{"room-1"}}
	pres := &fakePresence{stale: map[types.RoomIDType][]types.ClientIDType{}}
	ev := &fakeEvictor{}

	r := New(rooms, pres, ev, time.Hour, time.Minute)
	r.sweep(context.Background())

	assert.Empty(t, ev.snapshot())
}

func TestReaper_Run_StopsOnContextCancel(t *testing.T) {
	rooms := &fakeRoomLister{}
	pres := &fakePresence{stale: map[types.RoomIDType][]types.ClientIDType{}}
	ev := &fakeEvictor{}

	r := New(rooms, pres, ev, 5*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}

func TestReaper_Run_StopsOnStop(t *testing.T) {
	rooms := &fakeRoomLister{}
	pres := &fakePresence{stale: map[types.RoomIDType][]types.ClientIDType{}}
	ev := &fakeEvictor{}

	r := New(rooms, pres, ev, 5*time.Millisecond, time.Minute)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after Stop()")
	}
}

func TestReaper_MarkInFlight_PreventsDoubleEviction(t *testing.T) {
	rooms := &fakeRoomLister{rooms: []types.RoomIDType{"room-1"}}
	pres := &fakePresence{stale: map[types.RoomIDType][]types.ClientIDType{"room-1": {"c1"}}}
	ev := &fakeEvictor{}

	r := New(rooms, pres, ev, time.Hour, time.Minute)

	claimed := r.markInFlight("room-1", []types.ClientIDType{"c1"})
	require.Equal(t, []types.ClientIDType{"c1"}, claimed)

	// A second claim attempt before clearInFlight must see it already in flight.
	claimedAgain := r.markInFlight("room-1", []types.ClientIDType{"c1"})
	assert.Empty(t, claimedAgain)

	r.clearInFlight("room-1", claimed)
	claimedThird := r.markInFlight("room-1", []types.ClientIDType{"c1"})
	assert.Equal(t, []types.ClientIDType{"c1"}, claimedThird)
}
