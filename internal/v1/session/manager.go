package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/blockworkspace/collab-backend/internal/v1/logging"
	"github.com/blockworkspace/collab-backend/internal/v1/registry"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader performs the HTTP->WebSocket upgrade. Origin checking is left to
// the CORS middleware in front of this handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Manager is the top-level coordinator for WebSocket connections: it owns
// the Room Registry, upgrades incoming HTTP requests, and tracks every
// live Session so the reaper can evict by room/client ID.
type Manager struct {
	registry *registry.Registry
	cfg      Config

	mu       sync.Mutex
	sessions map[types.RoomIDType]map[types.ClientIDType]*Session
}

// NewManager creates a Manager backed by reg.
func NewManager(reg *registry.Registry, cfg Config) *Manager {
	return &Manager{
		registry: reg,
		cfg:      cfg,
		sessions: make(map[types.RoomIDType]map[types.ClientIDType]*Session),
	}
}

// ServeWS upgrades the request to a WebSocket and runs the resulting
// Session's protocol state machine to completion. roomID and nickname are
// taken from the route/query parameters by the caller's router.
func (m *Manager) ServeWS(c *gin.Context, roomID types.RoomIDType, nicknameRaw string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := types.ClientIDType(uuid.NewString())
	sess := New(conn, roomID, clientID, nicknameRaw, m.cfg)

	m.track(roomID, clientID, sess)
	defer m.untrack(roomID, clientID)

	sess.Run(c.Request.Context(), m.registry)
}

// Evict satisfies reaper.Evictor: it closes the live session for
// room/clientID, if one is still tracked. A sweep racing a client's own
// disconnect finds nothing and does nothing.
func (m *Manager) Evict(ctx context.Context, room types.RoomIDType, clientID types.ClientIDType, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[room][clientID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.Close(1000, reason)
}

func (m *Manager) track(room types.RoomIDType, clientID types.ClientIDType, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[room] == nil {
		m.sessions[room] = make(map[types.ClientIDType]*Session)
	}
	m.sessions[room][clientID] = sess
}

func (m *Manager) untrack(room types.RoomIDType, clientID types.ClientIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions[room], clientID)
	if len(m.sessions[room]) == 0 {
		delete(m.sessions, room)
	}
}
