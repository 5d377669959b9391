package calls

import (
	"context"
	"time"

	"consultline/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Locker serializes settlement per session across processes.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type RedisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return utils.AcquireLock(ctx, l.rdb, key, token, ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return utils.ReleaseLock(ctx, l.rdb, key, token)
}

func captureLockKey(sessionID string) string { return "lock:session:" + sessionID + ":settle" }
