// Package redis provides the Redis-backed reservation locker used by the
// idempotency store to fence in-flight executions across processes.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the reservation lock used to guarantee at most one in-flight
// execution per idempotency key. Acquire is first-wins; Release only
// succeeds for the holder's token so a stale owner cannot free a lock it
// lost to TTL expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	Release(ctx context.Context, key, token string) error
	Close() error
}

// RedisLocker implements Locker on a single Redis instance using SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// releaseScript deletes the lock only when the stored token matches,
// making release safe against lost ownership.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewLocker(url, prefix string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if prefix == "" {
		prefix = "orchestrator:reservation"
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

func (l *RedisLocker) lockKey(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire reservation %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release reservation %s: %w", key, err)
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
