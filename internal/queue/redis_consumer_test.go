package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
)

type fakeRecoverer struct {
	ids []string
}

func (f *fakeRecoverer) RecoverStuckJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return f.ids, nil
}

func redisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	return url
}

func testQueue(t *testing.T, url string) (string, *redis.Client) {
	t.Helper()
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)

	name := "test:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys := []string{name}
		for _, s := range []string{"data", "processing", "completed", "failed", "results", "errors"} {
			keys = append(keys, queueKey(name, s))
		}
		client.Del(ctx, keys...)
		client.Close()
	})
	return name, client
}

func TestRedisConsumerProcessesJob(t *testing.T) {
	url := redisURL(t)
	name, client := testQueue(t, url)
	ctx := context.Background()

	producer, err := NewRedisProducer(url, name, 2)
	require.NoError(t, err)
	defer producer.Close()

	fp := &fakeProcessor{}
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: name, Concurrency: 1, Processor: fp})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	require.NoError(t, producer.Enqueue(ctx, validPayload()))

	require.Eventually(t, func() bool {
		ok, _ := client.SIsMember(ctx, queueKey(name, "completed"), "job-1").Result()
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	raw, err := client.HGet(ctx, queueKey(name, "results"), "job-1").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"validVoters":3`)

	stats, err := consumer.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(0), stats["processing"])
}

func TestRedisConsumerFailsPermanentErrors(t *testing.T) {
	url := redisURL(t)
	name, client := testQueue(t, url)
	ctx := context.Background()

	producer, err := NewRedisProducer(url, name, 3)
	require.NoError(t, err)
	defer producer.Close()

	fp := &fakeProcessor{err: apperrors.NewNoTextError("job-1", 0)}
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: name, Concurrency: 1, Processor: fp})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	require.NoError(t, producer.Enqueue(ctx, validPayload()))

	require.Eventually(t, func() bool {
		ok, _ := client.SIsMember(ctx, queueKey(name, "failed"), "job-1").Result()
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	raw, err := client.HGet(ctx, queueKey(name, "errors"), "job-1").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"errorCode":"NO_TEXT"`)
	assert.Equal(t, 1, fp.calls(), "non-retryable errors are not retried")
}

func TestRedisConsumerRecoversStuckJobs(t *testing.T) {
	url := redisURL(t)
	name, client := testQueue(t, url)
	ctx := context.Background()

	job := RedisJobData{ID: "job-1", Type: TaskTypeImport, Payload: *validPayload(), MaxRetries: 1}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, queueKey(name, "data"), "job-1", data).Err())
	require.NoError(t, client.SAdd(ctx, queueKey(name, "processing"), "job-1").Err())
	require.NoError(t, client.LPush(ctx, name, "job-1").Err())

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:  url,
		QueueName: name,
		Processor: &fakeProcessor{},
		Recoverer: &fakeRecoverer{ids: []string{"job-1", "job-without-data"}},
	})
	require.NoError(t, err)
	defer consumer.client.Close()

	requeued, err := consumer.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	ids, err := client.LRange(ctx, name, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	processing, err := client.SIsMember(ctx, queueKey(name, "processing"), "job-1").Result()
	require.NoError(t, err)
	assert.False(t, processing)
}
