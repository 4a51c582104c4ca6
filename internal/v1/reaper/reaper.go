// Package reaper periodically evicts participants that have gone silent
// past USER_TTL_MS, running the same Closing procedure a live session
// runs on its own disconnect.
package reaper

import (
	"context"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/logging"
	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// RoomLister is satisfied by the Room Registry: the set of rooms the
// reaper sweeps on every tick.
type RoomLister interface {
	RoomIDs() []types.RoomIDType
}

// PresenceSource is the minimal presence surface the reaper needs.
type PresenceSource interface {
	StaleSince(ctx context.Context, room types.RoomIDType, threshold time.Time) ([]types.ClientIDType, error)
}

// Evictor runs the Closing procedure for one participant. A real session
// in the Live state satisfies this by running its own Closing path;
// calling Evict on an already-closed session must be a no-op so a sweep
// racing a client-initiated disconnect evicts at most once.
type Evictor interface {
	Evict(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType, reason string)
}

// Reaper owns the periodic sweep loop.
type Reaper struct {
	rooms    RoomLister
	presence PresenceSource
	evictor  Evictor
	interval time.Duration
	userTTL  time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	inFlight map[types.RoomIDType]set.Set[types.ClientIDType]
}

// New creates a Reaper. Call Run to start the sweep loop in a goroutine.
func New(rooms RoomLister, presenceSrc PresenceSource, evictor Evictor, interval, userTTL time.Duration) *Reaper {
	return &Reaper{
		rooms:    rooms,
		presence: presenceSrc,
		evictor:  evictor,
		interval: interval,
		userTTL:  userTTL,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		inFlight: make(map[types.RoomIDType]set.Set[types.ClientIDType]),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled or Stop is
// called. Intended to be launched with `go reaper.Run(ctx)`.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now()
	threshold := start.Add(-r.userTTL)

	for _, room := range r.rooms.RoomIDs() {
		stale, err := r.presence.StaleSince(ctx, room, threshold)
		if err != nil {
			logging.Warn(ctx, "reaper: presence lookup failed", zap.String("room_id", string(room)), zap.Error(err))
			continue
		}
		if len(stale) == 0 {
			continue
		}

		already := r.markInFlight(room, stale)
		for _, clientID := range already {
			r.evictor.Evict(ctx, room, clientID, "heartbeat timeout")
			metrics.ReaperEvictions.WithLabelValues(string(room)).Inc()
		}
		r.clearInFlight(room, already)
	}

	metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds())
}

// markInFlight claims clientIDs not already being evicted for room, so a
// sweep that overlaps a slow previous sweep (or a racing client close)
// never double-evicts the same participant.
func (r *Reaper) markInFlight(room types.RoomIDType, clientIDs []types.ClientIDType) []types.ClientIDType {
	s, ok := r.inFlight[room]
	if !ok {
		s = set.New[types.ClientIDType]()
		r.inFlight[room] = s
	}
	claimed := make([]types.ClientIDType, 0, len(clientIDs))
	for _, id := range clientIDs {
		if !s.Has(id) {
			s.Insert(id)
			claimed = append(claimed, id)
		}
	}
	return claimed
}

func (r *Reaper) clearInFlight(room types.RoomIDType, clientIDs []types.ClientIDType) {
	s, ok := r.inFlight[room]
	if !ok {
		return
	}
	for _, id := range clientIDs {
		s.Delete(id)
	}
}
