package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a single Redis list:
//
//	<prefix>tasks
//
// Values are gob-encoded Task structs. LPUSH/BRPOP gives FIFO delivery to
// exactly one worker. NotBefore is not enforced here; workers wait for it
// after dequeuing.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "saga:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "tasks",
	}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// blockInterval bounds each BRPOP so Dequeue can observe ctx between polls.
// An in-flight blocking read is not interrupted by context cancellation, so
// an unbounded BRPOP would pin the worker goroutine forever.
const blockInterval = time.Second

// Dequeue blocks until a task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// BRPop returns [key, value].
		res, err := q.client.BRPop(ctx, blockInterval, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			slog.Warn("redis queue: unexpected BRPOP result shape", "len", len(res))
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued (LLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		slog.Warn("redis queue: LLEN failed", "err", err)
		return 0
	}
	return int(n)
}
