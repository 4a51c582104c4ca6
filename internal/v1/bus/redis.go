// Package bus wraps the shared Redis client used by the Redis-backed Lease
// Store and Snapshot Store. It carries the circuit breaker and metrics the
// teacher's Pub/Sub bus used, repurposed around the atomic lease script and
// the snapshot blob operations those stores need.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blockworkspace/collab-backend/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// acquireManyScript atomically tests and sets a batch of lease keys.
// KEYS: the lease keys being requested. ARGV[1]: owner id. ARGV[2]: TTL in
// milliseconds. ARGV[3]: the room's active-key set. ARGV[4]: the owner's
// key set. It only ever grants the whole batch or none of it: if any key
// is held by a different owner, no key is touched, and the script returns
// the list of conflicting keys.
const acquireManyScript = `
local owner = ARGV[1]
local ttlMs = ARGV[2]
local roomSetKey = ARGV[3]
local ownerSetKey = ARGV[4]
local conflicts = {}
for i, key in ipairs(KEYS) do
  local holder = redis.call("GET", key)
  if holder and holder ~= owner then
    table.insert(conflicts, key)
  end
end
if #conflicts > 0 then
  return conflicts
end
for i, key in ipairs(KEYS) do
  redis.call("SET", key, owner, "PX", ttlMs)
  redis.call("SADD", roomSetKey, key)
  redis.call("SADD", ownerSetKey, key)
end
return {}
`

// releaseScript deletes a lease key only if it is still held by owner, and
// removes it from the room/owner index sets.
const releaseScript = `
local owner = ARGV[1]
local roomSetKey = ARGV[2]
local ownerSetKey = ARGV[3]
if redis.call("GET", KEYS[1]) == owner then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", roomSetKey, KEYS[1])
  redis.call("SREM", ownerSetKey, KEYS[1])
  return 1
end
return 0
`

// releaseAllScript releases every key indexed under the owner's set that
// the owner still actually holds, and returns the keys it released.
const releaseAllScript = `
local owner = ARGV[1]
local roomSetKey = ARGV[2]
local ownerSetKey = ARGV[3]
local members = redis.call("SMEMBERS", ownerSetKey)
local released = {}
for i, key in ipairs(members) do
  if redis.call("GET", key) == owner then
    redis.call("DEL", key)
    redis.call("SREM", roomSetKey, key)
    table.insert(released, key)
  end
end
redis.call("DEL", ownerSetKey)
return released
`

// extendManyScript refreshes the TTL of every listed key still owned by
// owner; keys held by someone else (or already expired) are left alone.
const extendManyScript = `
local owner = ARGV[1]
local ttlMs = ARGV[2]
for i, key in ipairs(KEYS) do
  if redis.call("GET", key) == owner then
    redis.call("PEXPIRE", key, ttlMs)
  end
end
return 1
`

// snapshotRoomScript returns a flat [key1, owner1, key2, owner2, ...] list
// of every still-live key tracked in the room's set, pruning entries whose
// TTL has lapsed since last touched.
const snapshotRoomScript = `
local roomSetKey = KEYS[1]
local members = redis.call("SMEMBERS", roomSetKey)
local result = {}
for i, key in ipairs(members) do
  local holder = redis.call("GET", key)
  if holder then
    table.insert(result, key)
    table.insert(result, holder)
  else
    redis.call("SREM", roomSetKey, key)
  end
end
return result
`

// Service handles all interaction with the Redis cluster backing the
// Lease Store and Snapshot Store.
type Service struct {
	client          *redis.Client
	cb              *gobreaker.CircuitBreaker
	acquireManySHA  *redis.Script
	releaseSHA      *redis.Script
	releaseAllSHA   *redis.Script
	extendManySHA   *redis.Script
	snapshotRoomSHA *redis.Script
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client:          rdb,
		cb:              gobreaker.NewCircuitBreaker(st),
		acquireManySHA:  redis.NewScript(acquireManyScript),
		releaseSHA:      redis.NewScript(releaseScript),
		releaseAllSHA:   redis.NewScript(releaseAllScript),
		extendManySHA:   redis.NewScript(extendManyScript),
		snapshotRoomSHA: redis.NewScript(snapshotRoomScript),
	}, nil
}

// Ping checks Redis connectivity using the PING command.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// AcquireMany atomically grants every key in keys to owner, or none of
// them, renewing TTL for keys owner already holds. Returns the subset of
// keys already held by a different owner when the batch is denied.
// roomSetKey and ownerSetKey are the index sets this call maintains so
// ReleaseAll and SnapshotRoom can enumerate without a full key scan.
func (s *Service) AcquireMany(ctx context.Context, keys []string, owner, roomSetKey, ownerSetKey string, ttl time.Duration) (conflicts []string, err error) {
	start := time.Now()
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.acquireManySHA.Run(ctx, s.client, keys, owner, ttl.Milliseconds(), roomSetKey, ownerSetKey).Result()
	})
	metrics.RedisOperationDuration.WithLabelValues("acquire_many").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("acquire_many", "circuit_open").Inc()
			return nil, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("acquire_many", "error").Inc()
		return nil, fmt.Errorf("redis acquire_many failed: %w", err)
	}

	items, ok := res.([]interface{})
	if !ok {
		metrics.RedisOperationsTotal.WithLabelValues("acquire_many", "success").Inc()
		return nil, nil
	}
	for _, it := range items {
		if s, ok := it.(string); ok {
			conflicts = append(conflicts, s)
		}
	}
	metrics.RedisOperationsTotal.WithLabelValues("acquire_many", "success").Inc()
	return conflicts, nil
}

// Release deletes key only if it is currently held by owner, reporting
// whether a release actually happened.
func (s *Service) Release(ctx context.Context, key, owner, roomSetKey, ownerSetKey string) (bool, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.releaseSHA.Run(ctx, s.client, []string{key}, owner, roomSetKey, ownerSetKey).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("release", "circuit_open").Inc()
			return false, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("release", "error").Inc()
		return false, fmt.Errorf("redis release failed: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("release", "success").Inc()
	return res.(int64) == 1, nil
}

// ReleaseAll releases every key the owner's index set lists that owner
// still actually holds, and returns the keys it released.
func (s *Service) ReleaseAll(ctx context.Context, owner, roomSetKey, ownerSetKey string) (released []string, err error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.releaseAllSHA.Run(ctx, s.client, []string{}, owner, roomSetKey, ownerSetKey).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("release_all", "circuit_open").Inc()
			return nil, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("release_all", "error").Inc()
		return nil, fmt.Errorf("redis release_all failed: %w", err)
	}
	items, _ := res.([]interface{})
	for _, it := range items {
		if s, ok := it.(string); ok {
			released = append(released, s)
		}
	}
	metrics.RedisOperationsTotal.WithLabelValues("release_all", "success").Inc()
	return released, nil
}

// ExtendMany refreshes the TTL of every key in keys still owned by owner.
func (s *Service) ExtendMany(ctx context.Context, keys []string, owner string, ttl time.Duration) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return s.extendManySHA.Run(ctx, s.client, keys, owner, ttl.Milliseconds()).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("extend_many", "circuit_open").Inc()
			return err
		}
		metrics.RedisOperationsTotal.WithLabelValues("extend_many", "error").Inc()
		return fmt.Errorf("redis extend_many failed: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("extend_many", "success").Inc()
	return nil
}

// SnapshotRoom returns the key->owner map for every still-live lease
// tracked under roomSetKey.
func (s *Service) SnapshotRoom(ctx context.Context, roomSetKey string) (map[string]string, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.snapshotRoomSHA.Run(ctx, s.client, []string{roomSetKey}).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("snapshot_room", "circuit_open").Inc()
			return nil, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("snapshot_room", "error").Inc()
		return nil, fmt.Errorf("redis snapshot_room failed: %w", err)
	}
	items, _ := res.([]interface{})
	out := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		key, _ := items[i].(string)
		owner, _ := items[i+1].(string)
		out[key] = owner
	}
	metrics.RedisOperationsTotal.WithLabelValues("snapshot_room", "success").Inc()
	return out, nil
}

// GetWithTTL returns the current value and remaining TTL of key, used to
// describe a lease conflict (owner, time remaining) for a LOCK_DENIED frame.
// ok is false when key does not exist.
func (s *Service) GetWithTTL(ctx context.Context, key string) (value string, ttl time.Duration, ok bool, err error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.Pipeline()
		getCmd := pipe.Get(ctx, key)
		ttlCmd := pipe.PTTL(ctx, key)
		_, pErr := pipe.Exec(ctx)
		if pErr != nil && pErr != redis.Nil {
			return nil, pErr
		}
		return [2]interface{}{getCmd, ttlCmd}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("get_with_ttl", "circuit_open").Inc()
			return "", 0, false, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("get_with_ttl", "error").Inc()
		return "", 0, false, fmt.Errorf("redis get_with_ttl failed: %w", err)
	}
	cmds := res.([2]interface{})
	getCmd := cmds[0].(*redis.StringCmd)
	ttlCmd := cmds[1].(*redis.DurationCmd)

	v, getErr := getCmd.Result()
	if getErr == redis.Nil {
		metrics.RedisOperationsTotal.WithLabelValues("get_with_ttl", "success").Inc()
		return "", 0, false, nil
	}
	if getErr != nil {
		metrics.RedisOperationsTotal.WithLabelValues("get_with_ttl", "error").Inc()
		return "", 0, false, fmt.Errorf("redis get_with_ttl failed: %w", getErr)
	}
	d, _ := ttlCmd.Result()
	metrics.RedisOperationsTotal.WithLabelValues("get_with_ttl", "success").Inc()
	return v, d, true, nil
}

// SetBlob stores a snapshot blob under key with the given TTL (0 = no expiry).
func (s *Service) SetBlob(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("set_blob").Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("set_blob", "circuit_open").Inc()
			return err
		}
		metrics.RedisOperationsTotal.WithLabelValues("set_blob", "error").Inc()
		return fmt.Errorf("redis set_blob failed: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("set_blob", "success").Inc()
	return nil
}

// GetBlob retrieves a snapshot blob. Returns redis.Nil itself (not wrapped)
// when absent.
func (s *Service) GetBlob(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	metrics.RedisOperationDuration.WithLabelValues("get_blob").Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("get_blob", "circuit_open").Inc()
			return nil, err
		}
		metrics.RedisOperationsTotal.WithLabelValues("get_blob", "error").Inc()
		return nil, err
	}
	metrics.RedisOperationsTotal.WithLabelValues("get_blob", "success").Inc()
	return res.([]byte), nil
}
