package lanes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/backrun/internal/domain"
)

// RedisBroker implements Broker on a single Redis instance. Lanes are
// sorted sets scored by ready-time (unix milliseconds); ephemeral keys
// are plain TTL-bound strings.
type RedisBroker struct {
	rc *redis.Client
}

func NewRedisBroker(rc *redis.Client) *RedisBroker {
	return &RedisBroker{rc: rc}
}

func (b *RedisBroker) Push(ctx context.Context, lane domain.Lane, jobID string, readyAt time.Time) error {
	err := b.rc.ZAdd(ctx, laneKey(lane), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("lanes: push %s to %s: %w", jobID, lane, err)
	}
	return nil
}

// Pop fetches the earliest ready member and removes it. There is a small
// window between the range read and the ZREM where another worker can
// take the same member; ZREM's return value settles the race, and only
// the caller that actually removed the member wins it.
func (b *RedisBroker) Pop(ctx context.Context, lane domain.Lane) (string, bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for attempt := 0; attempt < 3; attempt++ {
		members, err := b.rc.ZRangeByScore(ctx, laneKey(lane), &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 1,
		}).Result()
		if err != nil {
			return "", false, fmt.Errorf("lanes: pop from %s: %w", lane, err)
		}
		if len(members) == 0 {
			return "", false, nil
		}

		removed, err := b.rc.ZRem(ctx, laneKey(lane), members[0]).Result()
		if err != nil {
			return "", false, fmt.Errorf("lanes: pop from %s: %w", lane, err)
		}
		if removed > 0 {
			return members[0], true, nil
		}
		// Lost the race; try the next candidate.
	}
	return "", false, nil
}

func (b *RedisBroker) Remove(ctx context.Context, lane domain.Lane, jobID string) (bool, error) {
	removed, err := b.rc.ZRem(ctx, laneKey(lane), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("lanes: remove %s from %s: %w", jobID, lane, err)
	}
	return removed > 0, nil
}

func (b *RedisBroker) Contains(ctx context.Context, lane domain.Lane, jobID string) (bool, error) {
	_, err := b.rc.ZScore(ctx, laneKey(lane), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lanes: contains %s on %s: %w", jobID, lane, err)
	}
	return true, nil
}

func (b *RedisBroker) TryLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	ok, err := b.rc.SetNX(ctx, enqueueLockKey(jobID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lanes: lock %s: %w", jobID, err)
	}
	return ok, nil
}

func (b *RedisBroker) Unlock(ctx context.Context, jobID string) error {
	if err := b.rc.Del(ctx, enqueueLockKey(jobID)).Err(); err != nil {
		return fmt.Errorf("lanes: unlock %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	if err := b.rc.Set(ctx, cancelKey(jobID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("lanes: request cancel %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := b.rc.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("lanes: cancel check %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (b *RedisBroker) Heartbeat(ctx context.Context, jobID, workerID string, ttl time.Duration) error {
	if err := b.rc.Set(ctx, heartbeatKey(jobID), workerID, ttl).Err(); err != nil {
		return fmt.Errorf("lanes: heartbeat %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) HeartbeatAlive(ctx context.Context, jobID string) (bool, error) {
	n, err := b.rc.Exists(ctx, heartbeatKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("lanes: heartbeat check %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (b *RedisBroker) SetProgress(ctx context.Context, jobID string, p Progress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lanes: marshal progress %s: %w", jobID, err)
	}
	if err := b.rc.Set(ctx, progressKey(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("lanes: set progress %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	data, err := b.rc.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lanes: get progress %s: %w", jobID, err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("lanes: decode progress %s: %w", jobID, err)
	}
	return &p, nil
}

func (b *RedisBroker) ClearEphemeral(ctx context.Context, jobID string) error {
	err := b.rc.Del(ctx, progressKey(jobID), heartbeatKey(jobID), cancelKey(jobID)).Err()
	if err != nil {
		return fmt.Errorf("lanes: clear ephemeral %s: %w", jobID, err)
	}
	return nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rc.Ping(ctx).Err()
}
