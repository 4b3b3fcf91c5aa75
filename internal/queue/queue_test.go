package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"athena-grader/internal/config"
	"athena-grader/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*miniredis.Miniredis, *Producer, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := WrapClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{Redis: config.RedisConfig{AutogradeQueue: "autograde_jobs", DLQSuffix: ":dlq"}}
	return mr, NewProducer(client, cfg), NewConsumer(client, cfg)
}

// consume runs the consumer until want messages were handled.
func consume(t *testing.T, c *Consumer, want int, handler MessageHandler) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got [][]byte
	err := c.ConsumeAutogradeQueue(ctx, func(ctx context.Context, data []byte) error {
		mu.Lock()
		got = append(got, data)
		if len(got) == want {
			cancel()
		}
		mu.Unlock()
		return handler(ctx, data)
	})
	assert.ErrorIs(t, err, context.Canceled)
	return got
}

func decode(t *testing.T, data []byte) model.AutogradeJob {
	t.Helper()
	var job model.AutogradeJob
	require.NoError(t, json.Unmarshal(data, &job))
	return job
}

func TestQueue_FIFO(t *testing.T) {
	_, producer, consumer := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, producer.EnqueueAutogradeJob(ctx, model.AutogradeJob{JobID: "a", SubmissionID: 1}))
	require.NoError(t, producer.EnqueueAutogradeJob(ctx, model.AutogradeJob{JobID: "b", SubmissionID: 2}))
	depth, err := producer.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	got := consume(t, consumer, 2, func(ctx context.Context, data []byte) error { return nil })

	require.Len(t, got, 2)
	assert.Equal(t, "a", decode(t, got[0]).JobID)
	assert.Equal(t, "b", decode(t, got[1]).JobID)
}

func TestQueue_ReturnedJobIsNext(t *testing.T) {
	_, producer, consumer := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, producer.EnqueueAutogradeJob(ctx, model.AutogradeJob{JobID: "queued"}))
	require.NoError(t, producer.ReturnAutogradeJob(ctx, model.AutogradeJob{JobID: "returned"}))

	got := consume(t, consumer, 2, func(ctx context.Context, data []byte) error { return nil })

	require.Len(t, got, 2)
	assert.Equal(t, "returned", decode(t, got[0]).JobID)
}

func TestQueue_RejectedMessagesGoToDLQ(t *testing.T) {
	mr, producer, consumer := newTestQueue(t)

	require.NoError(t, producer.EnqueueAutogradeJob(context.Background(), model.AutogradeJob{JobID: "bad"}))
	consume(t, consumer, 1, func(ctx context.Context, data []byte) error { return errors.New("cannot decode") })

	assert.Equal(t, "autograde_jobs:dlq", consumer.DLQName())
	dead, err := mr.List(consumer.DLQName())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", decode(t, []byte(dead[0])).JobID)
}
