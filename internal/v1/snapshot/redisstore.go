package snapshot

import (
	"fmt"

	"context"

	"github.com/blockworkspace/collab-backend/internal/v1/bus"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the networked Snapshot Store, backed by bus.Service's
// blob operations so a snapshot survives a single process restart.
type RedisStore struct {
	svc      *bus.Service
	maxBytes int
}

// NewRedisStore wraps svc as a Snapshot Store that rejects payloads over maxBytes.
func NewRedisStore(svc *bus.Service, maxBytes int) *RedisStore {
	return &RedisStore{svc: svc, maxBytes: maxBytes}
}

func blobKey(room types.RoomIDType) string {
	return fmt.Sprintf("snapshot:%s", room)
}

func (r *RedisStore) Put(ctx context.Context, room types.RoomIDType, payload []byte) error {
	if r.maxBytes > 0 && len(payload) > r.maxBytes {
		return ErrTooLarge
	}
	if err := r.svc.SetBlob(ctx, blobKey(room), payload, 0); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, room types.RoomIDType) ([]byte, bool, error) {
	data, err := r.svc.GetBlob(ctx, blobKey(room))
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, ErrUnavailable
	}
	return data, true, nil
}

var _ Store = (*RedisStore)(nil)
