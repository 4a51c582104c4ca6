// Package session implements the per-connection protocol state machine:
// Opening -> Admitted -> Live -> Closing -> Closed.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/logging"
	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/blockworkspace/collab-backend/internal/v1/registry"
	"github.com/blockworkspace/collab-backend/internal/v1/snapshot"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// wsConnection is the transport surface Session needs, satisfied in
// production by *websocket.Conn and by a fake in tests -- same split the
// teacher's Client used for its WebSocket dependency.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Config carries the knobs a Session needs from the environment.
type Config struct {
	LeaseTTL         time.Duration
	OutboundQueue    int
	SnapshotMaxBytes int
	ColorPalette     []string
}

// Session is one connected participant's protocol state machine.
type Session struct {
	conn     wsConnection
	roomID   types.RoomIDType
	clientID types.ClientIDType
	nickname types.NicknameType
	color    types.ColorType
	cfg      Config

	room *registry.RoomCtx

	outbound  chan []byte
	closeOnce sync.Once
	closeDone chan struct{}
}

// New creates a Session for one WebSocket connection. nicknameRaw is the
// still-URL-encoded query parameter value.
func New(conn wsConnection, roomID types.RoomIDType, clientID types.ClientIDType, nicknameRaw string, cfg Config) *Session {
	return &Session{
		conn:      conn,
		roomID:    roomID,
		clientID:  clientID,
		nickname:  resolveNickname(nicknameRaw, clientID),
		cfg:       cfg,
		outbound:  make(chan []byte, cfg.OutboundQueue),
		closeDone: make(chan struct{}),
	}
}

// ClientID satisfies hub.Subscriber.
func (s *Session) ClientID() types.ClientIDType { return s.clientID }

// Enqueue satisfies hub.Subscriber: a non-blocking push onto this
// session's own outbound queue.
func (s *Session) Enqueue(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// CloseOverflow satisfies hub.Subscriber. It must not block the hub's
// dispatch goroutine, so Closing runs on a separate goroutine.
func (s *Session) CloseOverflow() {
	go s.Close(1013, "slow consumer")
}

// Run drives Opening through to connection teardown. It blocks until the
// session is fully closed, so callers should invoke it from the
// connection's own goroutine (e.g. inside an HTTP handler after upgrade).
func (s *Session) Run(ctx context.Context, reg *registry.Registry) {
	rc, err := reg.Get(ctx, s.roomID)
	if err != nil {
		s.failOpen(1011, "room unavailable")
		return
	}
	s.room = rc

	participants, err := rc.Presence.List(ctx, s.roomID)
	if err != nil {
		s.failOpen(1011, "presence unavailable")
		return
	}
	if rc.Meta.MaxUsers > 0 && uint(len(participants)) >= rc.Meta.MaxUsers {
		s.failOpen(4003, "room at capacity")
		return
	}

	joinOrder, err := rc.Presence.NextJoinOrder(ctx, s.roomID)
	if err != nil {
		s.failOpen(1011, "presence unavailable")
		return
	}
	s.color = assignColor(s.cfg.ColorPalette, joinOrder)

	if err := rc.Presence.Add(ctx, s.roomID, types.Participant{
		ClientID:  s.clientID,
		Nickname:  s.nickname,
		Color:     s.color,
		JoinOrder: joinOrder,
		LastSeen:  time.Now(),
	}); err != nil {
		s.failOpen(1011, "presence unavailable")
		return
	}

	rc.Hub.Attach(s)
	metrics.IncConnection()

	go s.writePump()
	s.sendInitState(ctx, participants)
	s.broadcastUserJoined()

	s.readLoop(ctx)

	s.Close(1000, "connection closed")
	<-s.closeDone
}

// failOpen closes the transport before the session ever reached Admitted:
// there is no lease, presence, or hub state to unwind.
func (s *Session) failOpen(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
	close(s.closeDone)
}

// Close runs the Closing procedure exactly once, regardless of which of
// the termination causes that can trigger it: on termination every lease
// this session held is released and at most one USER_LEFT is broadcast.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		ctx := context.Background()

		if s.room != nil {
			released, err := s.room.Leases.ReleaseAll(ctx, s.roomID, s.clientID)
			if err != nil {
				logging.Warn(ctx, "session close: release_all failed", zap.String("room_id", string(s.roomID)), zap.Error(err))
			}
			for _, key := range released {
				s.room.Hub.Broadcast(encodeFrame(FrameLockUpdate, lockUpdatePayload{BlockID: key, Owner: nil}), "")
			}

			s.room.Hub.Detach(s.clientID)

			if _, ok, err := s.room.Presence.Remove(ctx, s.roomID, s.clientID); err == nil && ok {
				s.room.Hub.Broadcast(encodeFrame(FrameUserLeft, userLeftPayload{ClientID: s.clientID}), "")
			}

			metrics.DecConnection()
		}

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(s.outbound)
		_ = s.conn.Close()
		close(s.closeDone)
	})
}

func (s *Session) writePump() {
	const writeWait = 10 * time.Second
	for frame := range s.outbound {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.Close(1002, "malformed frame")
			return
		}
		if !s.dispatch(ctx, env) {
			s.Close(1002, "malformed frame")
			return
		}
	}
}

// dispatch routes one inbound frame. Unknown tags are ignored silently; a
// known tag with an undecodable payload is a protocol violation and
// returns false so the caller closes with 1002. Every accepted frame
// touches last_seen in Presence, not just HEARTBEAT, since the reaper
// must not reap a participant who is actively acquiring locks and
// committing but never sends a bare heartbeat.
func (s *Session) dispatch(ctx context.Context, env envelope) bool {
	switch env.Type {
	case FrameLockAcquire:
		p, err := decodePayload[lockAcquirePayload](env.Payload)
		if err != nil {
			return false
		}
		s.touch(ctx)
		s.handleLockAcquire(ctx, p)
		return true

	case FrameCommit:
		p, err := decodePayload[commitPayload](env.Payload)
		if err != nil {
			return false
		}
		s.touch(ctx)
		s.handleCommit(ctx, p)
		return true

	case FrameHeartbeat:
		s.touch(ctx)
		s.handleHeartbeat(ctx)
		return true

	default:
		return true
	}
}

// touch refreshes this session's last_seen in Presence. Called once per
// accepted frame from dispatch.
func (s *Session) touch(ctx context.Context) {
	_ = s.room.Presence.Touch(ctx, s.roomID, s.clientID, time.Now())
}

func (s *Session) handleLockAcquire(ctx context.Context, p lockAcquirePayload) {
	wanted := set.New[types.BlockIDType]()
	wanted.Insert(p.BlockID)
	wanted.Insert(p.Also...)
	keys := wanted.UnsortedList()

	start := time.Now()
	conflicts, err := s.room.Leases.AcquireMany(ctx, s.roomID, keys, s.clientID, s.cfg.LeaseTTL)
	metrics.MessageProcessingDuration.WithLabelValues(FrameLockAcquire).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SessionEvents.WithLabelValues(FrameLockAcquire, "error").Inc()
		logging.Warn(ctx, "lock acquire failed", zap.String("room_id", string(s.roomID)), zap.Error(err))
		// Transient-store error: send a LOCK_DENIED surrogate rather than
		// leave the request hanging with no frame at all.
		s.Enqueue(encodeFrame(FrameLockDenied, lockDeniedPayload{
			BlockID: p.BlockID,
			Owner:   "",
			TTLMs:   0,
		}))
		return
	}

	if len(conflicts) > 0 {
		metrics.LockDenials.WithLabelValues(string(s.roomID)).Inc()
		metrics.SessionEvents.WithLabelValues(FrameLockAcquire, "denied").Inc()
		first := conflicts[0]
		s.Enqueue(encodeFrame(FrameLockDenied, lockDeniedPayload{
			BlockID: first.Key,
			Owner:   first.Owner,
			TTLMs:   first.RemainingTTL.Milliseconds(),
		}))
		return
	}

	metrics.LockGrants.WithLabelValues(string(s.roomID)).Inc()
	metrics.SessionEvents.WithLabelValues(FrameLockAcquire, "granted").Inc()
	owner := s.clientID
	for _, key := range keys {
		s.room.Hub.Broadcast(encodeFrame(FrameLockUpdate, lockUpdatePayload{BlockID: key, Owner: &owner}), "")
	}
}

func (s *Session) handleCommit(ctx context.Context, p commitPayload) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(FrameCommit).Observe(time.Since(start).Seconds())
	}()

	held, err := s.room.Leases.Snapshot(ctx, s.roomID)
	if err != nil {
		metrics.SessionEvents.WithLabelValues(FrameCommit, "error").Inc()
		logging.Warn(ctx, "commit lease lookup failed", zap.String("room_id", string(s.roomID)), zap.Error(err))
		s.Enqueue(encodeFrame(FrameCommitRejected, commitRejectedPayload{BlockID: p.BlockID}))
		return
	}
	owner, ok := held[p.BlockID]
	if !ok || owner != s.clientID {
		metrics.CommitsRejected.WithLabelValues(string(s.roomID), "lease_not_held").Inc()
		metrics.SessionEvents.WithLabelValues(FrameCommit, "rejected").Inc()
		var ownerPtr *types.ClientIDType
		if ok {
			ownerPtr = &owner
		}
		s.Enqueue(encodeFrame(FrameCommitRejected, commitRejectedPayload{BlockID: p.BlockID, Owner: ownerPtr}))
		return
	}

	if p.WorkspaceXML != nil {
		if err := s.room.Snapshot.Put(ctx, s.roomID, []byte(*p.WorkspaceXML)); err != nil {
			reason := "snapshot_store_error"
			if err == snapshot.ErrTooLarge {
				reason = "snapshot_too_large"
			}
			metrics.CommitsRejected.WithLabelValues(string(s.roomID), reason).Inc()
			metrics.SessionEvents.WithLabelValues(FrameCommit, "rejected").Inc()
			s.Enqueue(encodeFrame(FrameCommitRejected, commitRejectedPayload{BlockID: p.BlockID, Owner: &owner}))
			return
		}
	}

	metrics.CommitsApplied.WithLabelValues(string(s.roomID)).Inc()
	metrics.SessionEvents.WithLabelValues(FrameCommit, "applied").Inc()
	// Broadcast to everyone including the sender: COMMIT_APPLY always
	// includes the committing client.
	s.room.Hub.Broadcast(encodeFrame(FrameCommitApply, commitApplyPayload{
		BlockID:      p.BlockID,
		Events:       p.Events,
		By:           s.clientID,
		WorkspaceXML: p.WorkspaceXML,
	}), "")

	if !p.ReleaseLock {
		return
	}
	releaseKeys := append([]types.BlockIDType{p.BlockID}, p.Also...)
	for _, key := range releaseKeys {
		released, err := s.room.Leases.Release(ctx, s.roomID, key, s.clientID)
		if err == nil && released {
			s.room.Hub.Broadcast(encodeFrame(FrameLockUpdate, lockUpdatePayload{BlockID: key, Owner: nil}), "")
		}
	}
}

func (s *Session) handleHeartbeat(ctx context.Context) {
	metrics.SessionEvents.WithLabelValues(FrameHeartbeat, "success").Inc()
}

func (s *Session) sendInitState(ctx context.Context, others []types.Participant) {
	users := make([]userInfo, 0, len(others))
	for _, p := range others {
		if p.ClientID == s.clientID {
			continue
		}
		users = append(users, userInfo{ClientID: p.ClientID, Nickname: p.Nickname, Color: p.Color})
	}

	locks, err := s.room.Leases.Snapshot(ctx, s.roomID)
	if err != nil {
		locks = nil
	}

	var workspaceXML *string
	if payload, ok, err := s.room.Snapshot.Get(ctx, s.roomID); err == nil && ok {
		str := string(payload)
		workspaceXML = &str
	}

	s.Enqueue(encodeFrame(FrameInitState, initStatePayload{
		ClientID:     s.clientID,
		Users:        users,
		Locks:        locks,
		WorkspaceXML: workspaceXML,
	}))
}

func (s *Session) broadcastUserJoined() {
	s.room.Hub.Broadcast(encodeFrame(FrameUserJoined, userJoinedPayload{
		ClientID: s.clientID,
		Nickname: s.nickname,
		Color:    s.color,
	}), s.clientID)
}
