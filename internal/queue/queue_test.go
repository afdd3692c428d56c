package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func queues(t *testing.T) map[string]Queue {
	return map[string]Queue{
		"memory": NewMemory(),
		"redis":  newRedisQueue(t),
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, second := uuid.New(), uuid.New()

			require.NoError(t, q.Enqueue(ctx, &Job{ID: first, Type: "create"}))
			require.NoError(t, q.Enqueue(ctx, &Job{ID: second, Type: "analyze"}))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			job, err := q.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, first, job.ID)
			assert.Equal(t, "create", job.Type)
			assert.False(t, job.CreatedAt.IsZero())

			job, err = q.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, second, job.ID)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestMemoryQueueDequeueTimeout(t *testing.T) {
	q := NewMemory()
	job, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemoryQueueWakesWaiter(t *testing.T) {
	q := NewMemory()
	id := uuid.New()

	done := make(chan *Job, 1)
	go func() {
		job, _ := q.Dequeue(context.Background(), 5*time.Second)
		done <- job
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), &Job{ID: id}))

	select {
	case job := <-done:
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestMemoryQueueDequeueCancelled(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())
	assert.Error(t, q.Enqueue(context.Background(), &Job{ID: uuid.New()}))
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := NewRedis("not-a-url://")
	assert.Error(t, err)
}
