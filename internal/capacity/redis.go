package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisGuard coordinates trunk capacity across gateway instances using Redis
// counters. The Lua script makes the check and the increment one atomic step.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard constructs a distributed guard. The TTL bounds leakage when a
// holder dies without releasing.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGuard{client: client, ttl: ttl}
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Acquire attempts to reserve a channel slot for the trunk.
func (g *RedisGuard) Acquire(ctx context.Context, trunkID uuid.UUID, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := acquireScript.Run(ctx, g.client, []string{g.key(trunkID)}, limit, g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("capacity acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (g *RedisGuard) Release(ctx context.Context, trunkID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, g.client, []string{g.key(trunkID)}).Int(); err != nil {
		return fmt.Errorf("capacity release: %w", err)
	}
	return nil
}

// InUse reports the number of reserved slots for a trunk.
func (g *RedisGuard) InUse(ctx context.Context, trunkID uuid.UUID) (int, error) {
	n, err := g.client.Get(ctx, g.key(trunkID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("capacity in-use: %w", err)
	}
	return n, nil
}

func (g *RedisGuard) key(trunkID uuid.UUID) string {
	return fmt.Sprintf("trunkgw:trunk:%s:active", trunkID.String())
}
