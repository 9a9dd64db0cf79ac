package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/metrics"
)

// RedisDispatchQueue реализует очередь задач отправки на базе Redis lists.
type RedisDispatchQueue struct {
	client *redis.Client
	key    string
}

// NewRedisDispatchQueue создаёт очередь по указанному ключу.
func NewRedisDispatchQueue(client *redis.Client, key string) *RedisDispatchQueue {
	return &RedisDispatchQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisDispatchQueue) Enqueue(ctx context.Context, job domain.DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisDispatchQueue) Pop(ctx context.Context) (domain.DispatchJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DispatchJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.DispatchJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.DispatchJob{}, err
		}
		if len(res) != 2 {
			return domain.DispatchJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.DispatchJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.DispatchJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
