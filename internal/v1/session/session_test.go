package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/lease"
	"github.com/blockworkspace/collab-backend/internal/v1/presence"
	"github.com/blockworkspace/collab-backend/internal/v1/registry"
	"github.com/blockworkspace/collab-backend/internal/v1/snapshot"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal wsConnection double: inbound frames are pushed onto
// toRead, and ReadMessage returns an error once it is closed, ending the
// session's read loop the same way a real dropped connection would.
type fakeConn struct {
	mu         sync.Mutex
	toRead     chan []byte
	writes     [][]byte
	closeCode  int
	closeSent  bool
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toRead: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.toRead
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSent = true
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeRead()
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) send(t *testing.T, tag string, payload any) {
	t.Helper()
	f.toRead <- encodeFrame(tag, payload)
}

// closeRead unblocks a pending ReadMessage, mirroring how closing a real
// connection wakes up a reader blocked on it. Guarded so Close (triggered by
// the session's own Closing procedure) and a test-driven hangUp can't both
// close the same channel.
func (f *fakeConn) closeRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.toRead)
}

func (f *fakeConn) hangUp() {
	f.closeRead()
}

func (f *fakeConn) framesOfType(tag string) []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope
	for _, raw := range f.writes {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == tag {
			out = append(out, env)
		}
	}
	return out
}

func testRegistry(maxUsers uint) *registry.Registry {
	return registry.New(registry.Factories{
		Records:  registry.NewMemRecordStore(maxUsers),
		Presence: presence.NewMemStore(),
		Leases:   lease.NewMemStore(),
		Snapshot: snapshot.NewMemStore(1 << 20),
	})
}

func testConfig() Config {
	return Config{
		LeaseTTL:         time.Minute,
		OutboundQueue:    16,
		SnapshotMaxBytes: 1 << 20,
		ColorPalette:     []string{"red", "green", "blue"},
	}
}

// runSession starts Run on its own goroutine and returns at once, with the
// session and a channel that is closed when Run returns. Callers wait for
// INIT_STATE (or the close) themselves.
func runSession(t *testing.T, reg *registry.Registry, roomID types.RoomIDType, nickname string, conn *fakeConn) (*Session, <-chan struct{}) {
	t.Helper()
	sess := New(conn, roomID, types.ClientIDType(nickname+"-id"), nickname, testConfig())
	done := make(chan struct{})
	go func() {
		sess.Run(context.Background(), reg)
		close(done)
	}()
	return sess, done
}

func TestSession_OpeningSendsInitState(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.hangUp()
	<-done
}

func TestSession_CapacityDeniedClosesWith4003(t *testing.T) {
	reg := testRegistry(1)
	conn1 := newFakeConn()
	_, done1 := runSession(t, reg, "room-1", "Ada", conn1)
	require.Eventually(t, func() bool {
		return len(conn1.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn2 := newFakeConn()
	_, done2 := runSession(t, reg, "room-1", "Grace", conn2)

	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("second session did not close")
	}
	conn2.mu.Lock()
	assert.Equal(t, 4003, conn2.closeCode)
	conn2.mu.Unlock()

	conn1.hangUp()
	<-done1
}

func TestSession_UserJoinedAndUserLeftAreBroadcast(t *testing.T) {
	reg := testRegistry(5)
	conn1 := newFakeConn()
	_, done1 := runSession(t, reg, "room-1", "Ada", conn1)
	require.Eventually(t, func() bool {
		return len(conn1.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn2 := newFakeConn()
	_, done2 := runSession(t, reg, "room-1", "Grace", conn2)
	require.Eventually(t, func() bool {
		return len(conn2.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(conn1.framesOfType(FrameUserJoined)) == 1
	}, time.Second, time.Millisecond)

	conn2.hangUp()
	<-done2

	require.Eventually(t, func() bool {
		return len(conn1.framesOfType(FrameUserLeft)) == 1
	}, time.Second, time.Millisecond)

	conn1.hangUp()
	<-done1
}

func TestSession_LockAcquireGrantsAndBroadcastsLockUpdate(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameLockAcquire, lockAcquirePayload{BlockID: "block-1"})

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameLockUpdate)) == 1
	}, time.Second, time.Millisecond)

	frames := conn.framesOfType(FrameLockUpdate)
	payload, err := decodePayload[lockUpdatePayload](frames[0].Payload)
	require.NoError(t, err)
	require.NotNil(t, payload.Owner)
	assert.Equal(t, types.ClientIDType("Ada-id"), *payload.Owner)

	conn.hangUp()
	<-done
}

func TestSession_LockAcquireConflictSendsLockDeniedOnlyToRequester(t *testing.T) {
	reg := testRegistry(5)
	connA := newFakeConn()
	_, doneA := runSession(t, reg, "room-1", "Ada", connA)
	require.Eventually(t, func() bool {
		return len(connA.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	connA.send(t, FrameLockAcquire, lockAcquirePayload{BlockID: "block-1"})
	require.Eventually(t, func() bool {
		return len(connA.framesOfType(FrameLockUpdate)) == 1
	}, time.Second, time.Millisecond)

	connB := newFakeConn()
	_, doneB := runSession(t, reg, "room-1", "Grace", connB)
	require.Eventually(t, func() bool {
		return len(connB.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	connB.send(t, FrameLockAcquire, lockAcquirePayload{BlockID: "block-1"})
	require.Eventually(t, func() bool {
		return len(connB.framesOfType(FrameLockDenied)) == 1
	}, time.Second, time.Millisecond)

	assert.Empty(t, connA.framesOfType(FrameLockDenied))

	connA.hangUp()
	connB.hangUp()
	<-doneA
	<-doneB
}

func TestSession_CommitWithoutLeaseIsRejected(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameCommit, commitPayload{BlockID: "block-1", Events: json.RawMessage(`[]`)})

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameCommitRejected)) == 1
	}, time.Second, time.Millisecond)

	conn.hangUp()
	<-done
}

func TestSession_CommitAppliedReachesCommittingClientToo(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameLockAcquire, lockAcquirePayload{BlockID: "block-1"})
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameLockUpdate)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameCommit, commitPayload{BlockID: "block-1", Events: json.RawMessage(`[{"op":"insert"}]`)})

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameCommitApply)) == 1
	}, time.Second, time.Millisecond)

	conn.hangUp()
	<-done
}

func TestSession_CommitReleaseLockBroadcastsLockUpdateNil(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameLockAcquire, lockAcquirePayload{BlockID: "block-1"})
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameLockUpdate)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, FrameCommit, commitPayload{
		BlockID:     "block-1",
		Events:      json.RawMessage(`[]`),
		ReleaseLock: true,
	})

	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameLockUpdate)) == 2
	}, time.Second, time.Millisecond)

	frames := conn.framesOfType(FrameLockUpdate)
	released, err := decodePayload[lockUpdatePayload](frames[1].Payload)
	require.NoError(t, err)
	assert.Nil(t, released.Owner)

	conn.hangUp()
	<-done
}

func TestSession_MalformedFrameClosesWithProtocolError(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.toRead <- []byte(`not json`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after malformed frame")
	}
	conn.mu.Lock()
	assert.Equal(t, 1002, conn.closeCode)
	conn.mu.Unlock()
}

func TestSession_UnknownFrameTypeIsIgnored(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	conn.send(t, "SOME_FUTURE_FRAME", map[string]string{"x": "y"})

	time.Sleep(20 * time.Millisecond)
	conn.mu.Lock()
	assert.False(t, conn.closeSent)
	conn.mu.Unlock()

	conn.hangUp()
	<-done
}

func TestSession_HeartbeatDoesNotProduceOutboundFrame(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	_, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	before := len(conn.writes)
	conn.send(t, FrameHeartbeat, nil)
	time.Sleep(20 * time.Millisecond)

	conn.mu.Lock()
	assert.Equal(t, before, len(conn.writes))
	conn.mu.Unlock()

	conn.hangUp()
	<-done
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	reg := testRegistry(5)
	conn := newFakeConn()
	sess, done := runSession(t, reg, "room-1", "Ada", conn)
	require.Eventually(t, func() bool {
		return len(conn.framesOfType(FrameInitState)) == 1
	}, time.Second, time.Millisecond)

	sess.Close(1000, "first")
	sess.Close(1000, "second")

	conn.hangUp()
	<-done
}
