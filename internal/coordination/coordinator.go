// Package coordination implements distributed leader election, used to
// decide which taskmesh process is allowed to fire cron-scheduled
// workflows. Adapted from the teacher's coordination package: the same
// Redis-lease-plus-Postgres-durable-fencing-epoch design, repurposed
// from "who reconciles" to "who fires cron".
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator is the distributed lock/lease primitive LeaderElector and
// LockJanitor depend on, trimmed from the teacher's store.Coordinator
// to only the lease semantics this domain needs (no separate
// non-lease lock API, since taskmesh has exactly one lease: cron
// leadership).
type Coordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
	GetLockOwner(ctx context.Context, key string) (string, error)
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}

// renewScript only extends a lease's TTL if it is still held by the
// value the caller expects, grounded on the teacher's RenewLock Lua
// script.
const renewScript = `
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`

// releaseScript only deletes a lease if it is still held by the value
// the caller expects, preventing a slow caller from releasing a lease
// someone else has since acquired.
const releaseScript = `
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`

// RedisCoordinator implements Coordinator over go-redis/v9, mirroring
// the teacher's RedisStore lease methods (SetNX for acquire, Lua
// scripts for renew/release so the check-then-act is atomic).
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator wraps an existing Redis client.
func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := c.client.Eval(ctx, renewScript, []string{key}, value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	ok, _ := result.(int64)
	return ok == 1, nil
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	_, err := c.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	return err
}

func (c *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	return c.client.Keys(ctx, pattern).Result()
}
