package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/pkg/metrics"
)

// RedisQueue is a Redis list: LPUSH to enqueue, BRPOP to receive.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Name() string { return "redis" }

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		metrics.DispatchErrors.WithLabelValues(q.Name()).Inc()
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	if wait < time.Second {
		wait = time.Second
	}
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.DispatchErrors.WithLabelValues(q.Name()).Inc()
		return nil, fmt.Errorf("brpop %s: %w", q.key, err)
	}
	// res is [key, value]
	e, err := decode(res[1])
	if err != nil {
		logger.Warn("[dispatch.Redis] dropping malformed message", "error", err)
		return nil, nil
	}
	return []Message{{JobID: e.JobID, EnqueuedAt: e.EnqueuedAt}}, nil
}

// Len returns the number of queued messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
