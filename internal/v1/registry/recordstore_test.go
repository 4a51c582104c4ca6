package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRecordStore_CreatesOnFirstAccess(t *testing.T) {
	s := NewMemRecordStore(5)

	room, err := s.GetOrCreateRoom("room-1")
	require.NoError(t, err)
	assert.Equal(t, uint(5), room.MaxUsers)
	assert.False(t, room.CreatedAt.IsZero())
}

func TestMemRecordStore_IsIdempotent(t *testing.T) {
	s := NewMemRecordStore(5)

	first, err := s.GetOrCreateRoom("room-1")
	require.NoError(t, err)
	second, err := s.GetOrCreateRoom("room-1")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}
