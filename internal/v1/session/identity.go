package session

import (
	"fmt"
	"hash/crc32"
	"net/url"
	"strings"

	"github.com/blockworkspace/collab-backend/internal/v1/types"
)

const maxNicknameBytes = 64

// resolveNickname URL-decodes raw and truncates it to the wire limit. An
// empty or undecodable nickname falls back to a placeholder derived from
// clientID: "User" plus a 4-digit number derived from the client ID.
func resolveNickname(raw string, clientID types.ClientIDType) types.NicknameType {
	decoded, err := url.QueryUnescape(raw)
	if err != nil || strings.TrimSpace(decoded) == "" {
		return placeholderNickname(clientID)
	}
	if len(decoded) > maxNicknameBytes {
		decoded = decoded[:maxNicknameBytes]
	}
	return types.NicknameType(decoded)
}

func placeholderNickname(clientID types.ClientIDType) types.NicknameType {
	sum := crc32.ChecksumIEEE([]byte(clientID))
	return types.NicknameType(fmt.Sprintf("User%04d", sum%10000))
}

// assignColor picks the palette entry for the joinOrder-th participant to
// join a room, deterministic regardless of departure/reconnection order.
func assignColor(palette []string, joinOrder int) types.ColorType {
	if len(palette) == 0 {
		return ""
	}
	return types.ColorType(palette[joinOrder%len(palette)])
}
