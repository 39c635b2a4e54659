package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backlog orders the pending-task backlog outside of Postgres, for the
// redis QueueConfig.Backend: multiple pods can pop candidate task IDs off
// one sorted set without each of them running a SELECT ... FOR UPDATE SKIP
// LOCKED scan against the tasks table. Postgres, reached through
// store.Store.ClaimTaskByID, still arbitrates the actual claim, so a task
// popped twice (a crashed pop before a claim, a stale retry) is harmless.
type Backlog interface {
	// Push adds taskID to the backlog, ordered by createdAt so the oldest
	// task is popped first.
	Push(ctx context.Context, taskID string, createdAt time.Time) error
	// Pop removes and returns the oldest taskID, or ok=false if empty.
	Pop(ctx context.Context) (taskID string, ok bool, err error)
}

// RedisBacklog implements Backlog over a Redis sorted set, grounded on the
// same redis/go-redis/v9 client pkg/events.RedisSink uses for the event
// bus's Redis delivery mode — the only other Redis-backed component in the
// tree, reused here for QueueConfig.Backend == "redis".
type RedisBacklog struct {
	client *redis.Client
	key    string
}

// NewRedisBacklog wraps an existing Redis client. key names the sorted set
// (e.g. "kbagent:queue:pending").
func NewRedisBacklog(client *redis.Client, key string) *RedisBacklog {
	return &RedisBacklog{client: client, key: key}
}

func (b *RedisBacklog) Push(ctx context.Context, taskID string, createdAt time.Time) error {
	score := float64(createdAt.UnixNano())
	if err := b.client.ZAdd(ctx, b.key, redis.Z{Score: score, Member: taskID}).Err(); err != nil {
		return fmt.Errorf("queue: push %s to backlog: %w", taskID, err)
	}
	return nil
}

func (b *RedisBacklog) Pop(ctx context.Context) (string, bool, error) {
	results, err := b.client.ZPopMin(ctx, b.key, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("queue: pop backlog: %w", err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	taskID, ok := results[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("queue: backlog member %v is not a task id", results[0].Member)
	}
	return taskID, true, nil
}

var _ Backlog = (*RedisBacklog)(nil)
