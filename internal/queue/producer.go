package queue

import (
	"context"
	"encoding/json"

	"athena-grader/internal/config"
	"athena-grader/internal/model"

	"github.com/go-redis/redis/v8"
)

type Producer struct {
	client *redis.Client
	queue  string
}

func NewProducer(redisClient *RedisClient, cfg *config.Config) *Producer {
	return &Producer{
		client: redisClient.Client(),
		queue:  cfg.Redis.AutogradeQueue,
	}
}

func (p *Producer) EnqueueAutogradeJob(ctx context.Context, job model.AutogradeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.LPush(ctx, p.queue, data).Err()
}

// Depth returns the number of jobs waiting in the autograde queue.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.queue).Result()
}

// ReturnAutogradeJob puts a job back at the consuming end of the queue so
// it is the next one popped, e.g. when a worker shuts down before starting it.
func (p *Producer) ReturnAutogradeJob(ctx context.Context, job model.AutogradeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.RPush(ctx, p.queue, data).Err()
}
