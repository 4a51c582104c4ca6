package session

import (
	"encoding/json"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

// Frame type tags. Every frame on the wire is a JSON object
// `{"t": <tag>, "payload": <tag-specific body>}`.
const (
	FrameLockAcquire    = "LOCK_ACQUIRE"
	FrameCommit         = "COMMIT"
	FrameHeartbeat      = "HEARTBEAT"
	FrameInitState      = "INIT_STATE"
	FrameUserJoined     = "USER_JOINED"
	FrameUserLeft       = "USER_LEFT"
	FrameLockUpdate     = "LOCK_UPDATE"
	FrameLockDenied     = "LOCK_DENIED"
	FrameCommitApply    = "COMMIT_APPLY"
	FrameCommitRejected = "COMMIT_REJECTED"
)

// envelope is the wire shape every frame, inbound or outbound, shares.
type envelope struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"payload"`
}

// --- inbound payloads (client -> server) ---

type lockAcquirePayload struct {
	BlockID types.BlockIDType   `json:"blockId"`
	Also    []types.BlockIDType `json:"also,omitempty"`
}

type commitPayload struct {
	BlockID      types.BlockIDType   `json:"blockId"`
	Events       json.RawMessage     `json:"events"`
	WorkspaceXML *string             `json:"workspaceXml,omitempty"`
	ReleaseLock  bool                `json:"releaseLock,omitempty"`
	Also         []types.BlockIDType `json:"also,omitempty"`
}

// --- outbound payloads (server -> client) ---

type userInfo struct {
	ClientID types.ClientIDType `json:"clientId"`
	Nickname types.NicknameType `json:"nickname"`
	Color    types.ColorType    `json:"color"`
}

type initStatePayload struct {
	ClientID     types.ClientIDType                      `json:"clientId"`
	Users        []userInfo                              `json:"users"`
	Locks        map[types.BlockIDType]types.ClientIDType `json:"locks"`
	WorkspaceXML *string                                  `json:"workspaceXml,omitempty"`
}

type userJoinedPayload struct {
	ClientID types.ClientIDType `json:"clientId"`
	Nickname types.NicknameType `json:"nickname"`
	Color    types.ColorType    `json:"color"`
}

type userLeftPayload struct {
	ClientID types.ClientIDType `json:"clientId"`
}

type lockUpdatePayload struct {
	BlockID types.BlockIDType   `json:"blockId"`
	Owner   *types.ClientIDType `json:"owner"`
}

type lockDeniedPayload struct {
	BlockID types.BlockIDType  `json:"blockId"`
	Owner   types.ClientIDType `json:"owner"`
	TTLMs   int64              `json:"ttlMs"`
}

type commitApplyPayload struct {
	BlockID      types.BlockIDType  `json:"blockId"`
	Events       json.RawMessage    `json:"events"`
	By           types.ClientIDType `json:"by"`
	WorkspaceXML *string            `json:"workspaceXml,omitempty"`
}

type commitRejectedPayload struct {
	BlockID types.BlockIDType   `json:"blockId"`
	Owner   *types.ClientIDType `json:"owner,omitempty"`
}

// encodeFrame marshals tag/payload into a wire envelope. Errors only on
// payload types that cannot be JSON-encoded, which none of ours are.
func encodeFrame(tag string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("null")
	}
	out, err := json.Marshal(envelope{Type: tag, Payload: body})
	if err != nil {
		return nil
	}
	return out
}

// decodePayload is the inbound counterpart to assertPayload-style helpers:
// it re-decodes the envelope's raw payload into a concrete type.
func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
