package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "configsvr:lock:"

// unlockScript deletes the key only if it still holds the token of the owner,
// so an expired and re-acquired lock is not released by its former owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is returned when releasing a lock whose lease expired.
var ErrLockLost = errors.New("lock lease expired before release")

// RedisLocker takes leased locks stored as Redis keys. A lock is released
// automatically once its lease expires, which must exceed the longest critical
// section as the lease is not extended.
type RedisLocker struct {
	client redis.UniversalClient
	lease  time.Duration
}

// NewRedisLocker returns a Locker backed by Redis.
func NewRedisLocker(client redis.UniversalClient, lease time.Duration) *RedisLocker {
	return &RedisLocker{client: client, lease: lease}
}

//nolint: revive,stylecheck // This is documented in the interface.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (ReleaseFunc, bool, error) {
	redisKey := redisKeyPrefix + key
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
	if err != nil {
		return nil, false, fmt.Errorf("set nx: %w", err)
	}

	if !acquired {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		deleted, err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Int()
		if err != nil {
			return fmt.Errorf("unlock script: %w", err)
		}

		if deleted == 0 {
			return ErrLockLost
		}

		return nil
	}, true, nil
}
