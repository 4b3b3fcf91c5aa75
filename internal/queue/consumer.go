package queue

import (
	"context"
	"errors"
	"time"

	"athena-grader/internal/config"
	"athena-grader/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const popTimeout = 5 * time.Second

type Consumer struct {
	client    *redis.Client
	queue     string
	dlqSuffix string
	log       zerolog.Logger
}

type MessageHandler func(ctx context.Context, data []byte) error

func NewConsumer(redisClient *RedisClient, cfg *config.Config) *Consumer {
	return &Consumer{
		client:    redisClient.Client(),
		queue:     cfg.Redis.AutogradeQueue,
		dlqSuffix: cfg.Redis.DLQSuffix,
		log:       logger.Get(),
	}
}

func (c *Consumer) DLQName() string {
	return c.queue + c.dlqSuffix
}

// ConsumeAutogradeQueue blocks until ctx is cancelled. Messages the handler
// rejects are moved to the dead letter queue.
func (c *Consumer) ConsumeAutogradeQueue(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.client.BRPop(ctx, popTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Timeout, continue polling
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Str("queue", c.queue).Msg("Failed to consume message")
			time.Sleep(time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		message := result[1]
		if err := handler(ctx, []byte(message)); err != nil {
			c.log.Error().Err(err).Str("queue", c.queue).Msg("Failed to process message")
			dlqName := c.DLQName()
			if dlqErr := c.client.LPush(context.Background(), dlqName, message).Err(); dlqErr != nil {
				c.log.Error().Err(dlqErr).Str("dlq", dlqName).Msg("Failed to move message to DLQ")
			}
		}
	}
}
