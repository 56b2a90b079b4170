package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisQueue(t *testing.T) *RedisQueue {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	q, err := NewRedis(addr, fmt.Sprintf("netenrich:test:%d", time.Now().UnixNano()))
	require.NoError(t, err)
	q.poll = 100 * time.Millisecond
	t.Cleanup(func() {
		ctx := context.Background()
		q.cli.Del(ctx, q.queueKey, q.procKey)
		q.Close()
	})
	return q
}

func TestRedisQueue_LeaseAck(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Seed(ctx, []byte(`{"source":{"ip":"10.0.0.1"}}`)))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"source":{"ip":"10.0.0.1"}}`, string(d.Body))
	assert.EqualValues(t, 1, q.cli.LLen(ctx, q.procKey).Val())

	require.NoError(t, d.Ack())
	assert.EqualValues(t, 0, q.cli.LLen(ctx, q.procKey).Val())

	_, ok, err = q.Lease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue times out without a delivery")
}

func TestRedisQueue_Recover(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Seed(ctx, []byte(`{"n":1}`)))
	require.NoError(t, q.Seed(ctx, []byte(`{"n":2}`)))
	_, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	n, _ := q.Len(ctx)
	assert.EqualValues(t, 2, n)
}

func TestRedisQueue_SeedRejectsInvalidJSON(t *testing.T) {
	q := redisQueue(t)
	assert.Error(t, q.Seed(context.Background(), []byte(`{not json`)))
}

func TestRedisQueue_MalformedItem(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.cli.LPush(ctx, q.queueKey, "garbage").Err())

	_, ok, err := q.Lease(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 0, q.cli.LLen(ctx, q.procKey).Val())
}
