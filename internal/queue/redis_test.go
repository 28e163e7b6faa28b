package queue

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisIntegrationQueue(t *testing.T) *Redis {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("CANVAS_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set CANVAS_TEST_REDIS_ADDR to run Redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	q := NewRedis(client)
	q.prefix = "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, q.prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return q
}

func TestRedisJobSurvivesWorkerCrash(t *testing.T) {
	ctx := context.Background()
	q := redisIntegrationQueue(t)
	q.visibility = 300 * time.Millisecond

	job, err := NewJob("deleteEntity", "d-1", deletePayload{EntityID: "d-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	// Taken but never settled, as if the worker died mid-handler.
	taken, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d-1", taken.ID)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(400 * time.Millisecond)
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d-1", again.ID)
	require.NoError(t, q.Ack(ctx, again))

	inflight, err := q.client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
	accepted, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestRedisDelayedRetry(t *testing.T) {
	ctx := context.Background()
	q := redisIntegrationQueue(t)

	job, err := NewJob("autoNameCanvas", "u1:c1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	taken, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	taken.Attempts++
	require.NoError(t, q.Retry(ctx, taken, 150*time.Millisecond))

	_, ok, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(200 * time.Millisecond)
	retried, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, retried.Attempts)
	require.NoError(t, q.Fail(ctx, retried, "gave up"))

	failed, err := q.client.LLen(ctx, q.failedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
