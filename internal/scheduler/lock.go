package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker guards a job across replicas. Acquire reports false when another
// holder owns the lock; release must be called once the run ends.
type Locker interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), ok bool)
}

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	redis  *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisLocker creates a Redis-backed job lock.
func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		redis:  client,
		logger: logger.With(zap.String("component", "scheduler_lock")),
		prefix: "threatlens:job:",
	}
}

// Acquire takes the lock for job. When Redis is unreachable the run proceeds
// guarded only by the in-process lock.
func (l *RedisLocker) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool) {
	key := l.prefix + job
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.logger.Warn("Job lock unavailable, running locally", zap.String("job", job), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		// The run context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, l.redis, []string{key}, token).Err(); err != nil {
			l.logger.Warn("Job lock release failed", zap.String("job", job), zap.Error(err))
		}
	}, true
}
