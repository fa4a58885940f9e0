// Package guard holds the in-flight lease backed by Redis.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"genledger/internal/domain"
)

const defaultKeyPrefix = "genledger:lease:"

// releaseScript deletes the lease only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease implements domain.LeaseStore with SET NX PX.
type RedisLease struct {
	redis  redis.Cmdable
	prefix string
}

// NewRedisLease builds a lease store. An empty prefix uses the default namespace.
func NewRedisLease(client redis.Cmdable, prefix string) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("guard: redis client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLease{redis: client, prefix: prefix}, nil
}

func (l *RedisLease) key(jobID string) string {
	return l.prefix + jobID
}

func (l *RedisLease) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(jobID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard: acquire %s: %w", jobID, err)
	}
	return ok, nil
}

func (l *RedisLease) ReleaseLease(ctx context.Context, jobID, owner string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.key(jobID)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("guard: release %s: %w", jobID, err)
	}
	return nil
}

var _ domain.LeaseStore = (*RedisLease)(nil)
