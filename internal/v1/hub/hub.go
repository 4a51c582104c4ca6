// Package hub implements the Broadcast Hub: per-room fan-out of server
// frames to every attached session, in a single well-defined order.
package hub

import (
	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// Subscriber is the minimal surface a Session exposes to its room's Hub.
// Enqueue must be non-blocking: it pushes frame onto the subscriber's own
// bounded outbound queue and reports whether the queue accepted it.
type Subscriber interface {
	ClientID() types.ClientIDType
	Enqueue(frame []byte) bool
	CloseOverflow()
}

type attachMsg struct{ sub Subscriber }
type detachMsg struct{ id types.ClientIDType }
type broadcastMsg struct {
	frame   []byte
	exclude types.ClientIDType
	hasExcl bool
}

// Hub fans frames out to every subscriber attached to one room. All
// Attach/Detach/Broadcast calls are serialized through a single internal
// goroutine, so the order the hub accepts frames in is the order every
// surviving subscriber receives them in, in a single well-defined order --
// mirrors the one-goroutine-per-connection split between readPump and
// writePump, raised one level to room scope.
type Hub struct {
	roomID      types.RoomIDType
	subscribers map[types.ClientIDType]Subscriber
	attachCh    chan attachMsg
	detachCh    chan detachMsg
	broadcastCh chan broadcastMsg
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a Hub for roomID and starts its dispatch goroutine.
func New(roomID types.RoomIDType) *Hub {
	h := &Hub{
		roomID:      roomID,
		subscribers: make(map[types.ClientIDType]Subscriber),
		attachCh:    make(chan attachMsg),
		detachCh:    make(chan detachMsg),
		broadcastCh: make(chan broadcastMsg, 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go h.run()
	return h
}

// Attach registers sub to receive future broadcasts.
func (h *Hub) Attach(sub Subscriber) {
	select {
	case h.attachCh <- attachMsg{sub: sub}:
	case <-h.doneCh:
	}
}

// Detach removes id; it is a no-op if id was never attached.
func (h *Hub) Detach(id types.ClientIDType) {
	select {
	case h.detachCh <- detachMsg{id: id}:
	case <-h.doneCh:
	}
}

// Broadcast delivers frame to every attached subscriber except exclude.
// Pass "" for exclude to deliver to everyone, since some broadcasts
// (e.g. COMMIT_APPLY) must reach the sender too.
func (h *Hub) Broadcast(frame []byte, exclude types.ClientIDType) {
	select {
	case h.broadcastCh <- broadcastMsg{frame: frame, exclude: exclude, hasExcl: exclude != ""}:
	case <-h.doneCh:
	}
}

// Stop halts the dispatch goroutine. Call once the room is being torn down.
func (h *Hub) Stop() {
	close(h.stopCh)
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case a := <-h.attachCh:
			h.subscribers[a.sub.ClientID()] = a.sub
			metrics.RoomParticipants.WithLabelValues(string(h.roomID)).Set(float64(len(h.subscribers)))
		case d := <-h.detachCh:
			delete(h.subscribers, d.id)
			metrics.RoomParticipants.WithLabelValues(string(h.roomID)).Set(float64(len(h.subscribers)))
		case b := <-h.broadcastCh:
			var overflowed []types.ClientIDType
			for id, sub := range h.subscribers {
				if b.hasExcl && id == b.exclude {
					continue
				}
				if !sub.Enqueue(b.frame) {
					overflowed = append(overflowed, id)
				}
			}
			for _, id := range overflowed {
				sub := h.subscribers[id]
				delete(h.subscribers, id)
				sub.CloseOverflow()
			}
			if len(overflowed) > 0 {
				metrics.RoomParticipants.WithLabelValues(string(h.roomID)).Set(float64(len(h.subscribers)))
			}
		case <-h.stopCh:
			return
		}
	}
}
