package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewQueue(conn, "test")
	q.now = c.now
	return q, c, mr
}

type greeting struct {
	Name string `json:"name"`
}

func TestEnqueueWithJobIDIsUnique(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id, created, err := q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "greet-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "greet-1", id)

	_, created, err = q.Enqueue(ctx, "greet", greeting{"bob"}, Options{JobID: "greet-1"})
	require.NoError(t, err)
	assert.False(t, created)

	size, _ := q.Size(ctx)
	assert.Equal(t, int64(1), size)
	job, err := q.Get(ctx, "greet-1")
	require.NoError(t, err)
	var g greeting
	require.NoError(t, job.Decode(&g))
	assert.Equal(t, "ana", g.Name)
	assert.Equal(t, DefaultAttempts, job.MaxAttempts)
}

func TestDelayedJobIsNotClaimedEarly(t *testing.T) {
	q, c, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "later", Delay: 5 * time.Minute})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	readyAt, ok, err := q.ReadyAt(ctx, "later")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, c.t.Add(5*time.Minute), readyAt, 0)

	c.t = c.t.Add(5 * time.Minute)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestPriorityOrdersReadyJobs(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "greet", greeting{"low"}, Options{JobID: "low", Priority: 2})
	q.Enqueue(ctx, "greet", greeting{"high"}, Options{JobID: "high", Priority: 1})

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", job.ID)
}

func TestRemoveScheduledJob(t *testing.T) {
	q, _, mr := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "x", Delay: time.Minute})
	removed, err := q.Remove(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("mq:test:job:x"))

	removed, err = q.Remove(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)

	// the id can be reused once the first job is gone
	_, created, _ := q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "x"})
	assert.True(t, created)
}

func TestWorkerRetriesWithBackoffThenFails(t *testing.T) {
	q, c, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerOptions{Backoff: 2 * time.Second})

	calls := 0
	w.Handle("flaky", func(ctx context.Context, job *Job) error {
		calls++
		return errors.New("smtp down")
	})
	q.Enqueue(ctx, "flaky", greeting{"ana"}, Options{JobID: "f"})

	ok, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	readyAt, _, _ := q.ReadyAt(ctx, "f")
	assert.WithinDuration(t, c.t.Add(2*time.Second), readyAt, 0)

	c.t = c.t.Add(2 * time.Second)
	w.ProcessNext(ctx)
	readyAt, _, _ = q.ReadyAt(ctx, "f")
	assert.WithinDuration(t, c.t.Add(4*time.Second), readyAt, 0)

	c.t = c.t.Add(4 * time.Second)
	w.ProcessNext(ctx)
	assert.Equal(t, 3, calls)

	size, _ := q.Size(ctx)
	assert.Zero(t, size)
	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "f", failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "smtp down", failed[0].LastError)
}

func TestWorkerCompletesJob(t *testing.T) {
	q, _, mr := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerOptions{})

	var got greeting
	w.Handle("greet", func(ctx context.Context, job *Job) error {
		return job.Decode(&got)
	})
	q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "g"})

	ok, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ana", got.Name)
	assert.False(t, mr.Exists("mq:test:job:g"))

	ok, _ = w.ProcessNext(ctx)
	assert.False(t, ok)
}

func TestUnknownJobTypeFailsImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerOptions{})

	q.Enqueue(ctx, "mystery", greeting{}, Options{JobID: "m"})
	w.ProcessNext(ctx)

	failed, _ := q.Failed(ctx, 10)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "no handler")
}

func TestRequeueActive(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "greet", greeting{"ana"}, Options{JobID: "a"})
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := q.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	w := NewWorker(q, WorkerOptions{PollInterval: 10 * time.Millisecond})

	done := make(chan string, 1)
	w.Handle("greet", func(ctx context.Context, job *Job) error {
		done <- job.ID
		return nil
	})
	q.now = time.Now
	q.Enqueue(context.Background(), "greet", greeting{"ana"}, Options{JobID: "r"})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case id := <-done:
		assert.Equal(t, "r", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
