package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter tracks active executions in a per-principal SET keyed by
// job ID. A SET rather than a counter keeps Release idempotent: a
// crashed worker or a double-release can never push the count negative.
type RedisLimiter struct {
	rc  *redis.Client
	max int64
}

func NewRedisLimiter(rc *redis.Client, maxActive int64) *RedisLimiter {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &RedisLimiter{rc: rc, max: maxActive}
}

// Acquire checks the cardinality and then adds the member. There is a
// window between the two; overshoot is bounded by the number of
// executors racing on the same principal.
func (l *RedisLimiter) Acquire(ctx context.Context, principal, jobID string) (bool, error) {
	n, err := l.rc.SCard(ctx, activeSetKey(principal)).Result()
	if err != nil {
		return false, err
	}
	if n >= l.max {
		return false, nil
	}
	if err := l.rc.SAdd(ctx, activeSetKey(principal), jobID).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release removes the member. SREM on a missing member is a no-op.
func (l *RedisLimiter) Release(ctx context.Context, principal, jobID string) error {
	return l.rc.SRem(ctx, activeSetKey(principal), jobID).Err()
}
