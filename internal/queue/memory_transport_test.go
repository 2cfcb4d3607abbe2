package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/resilience"
)

func newTestJob(queue string, opts ...JobOption) *Job {
	options := DefaultJobOptions()
	for _, o := range opts {
		o(&options)
	}
	return NewJob(queue, json.RawMessage(`{"transactionId":"t-1"}`), options, time.Now())
}

// consume runs Consume in the background and returns a stop function.
func consume(t *testing.T, tr Transport, queue string, concurrency int, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Consume(ctx, queue, concurrency, h)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMemoryTransport_CompletesJobs(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(5 * time.Millisecond)
	defer func() { _ = tr.Close() }()

	var handled atomic.Int32
	stop := consume(t, tr, "q", 4, func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	})
	defer stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Enqueue(ctx, newTestJob("q")))
	}

	assert.Eventually(t, func() bool { return handled.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		c, _ := tr.Counts(ctx, "q")
		return c.Completed == 10 && c.Waiting == 0 && c.Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryTransport_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(2 * time.Millisecond)
	defer func() { _ = tr.Close() }()

	var mu sync.Mutex
	var attempts []int
	stop := consume(t, tr, "q", 1, func(_ context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.AttemptsMade)
		mu.Unlock()
		return errors.New("gateway timeout")
	})
	defer stop()

	require.NoError(t, tr.Enqueue(ctx, newTestJob("q", WithBackoff(resilience.BackoffFixed, 5*time.Millisecond))))

	assert.Eventually(t, func() bool {
		c, _ := tr.Counts(ctx, "q")
		return c.Failed == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestMemoryTransport_DelayedJob(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(2 * time.Millisecond)
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Enqueue(ctx, newTestJob("q", WithDelay(time.Hour))))

	c, err := tr.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Delayed)
	assert.Equal(t, int64(0), c.Waiting)
}

func TestMemoryTransport_Priority(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(time.Millisecond)
	defer func() { _ = tr.Close() }()

	low := newTestJob("q")
	high := newTestJob("q", WithPriority(10))
	require.NoError(t, tr.Enqueue(ctx, low, high))

	job, _ := tr.claim("q")
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID)
}

func TestMemoryTransport_PauseResume(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(2 * time.Millisecond)
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Pause(ctx, "q"))
	paused, err := tr.IsPaused(ctx, "q")
	require.NoError(t, err)
	assert.True(t, paused)

	var handled atomic.Int32
	stop := consume(t, tr, "q", 1, func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	})
	defer stop()

	require.NoError(t, tr.Enqueue(ctx, newTestJob("q")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, handled.Load())

	require.NoError(t, tr.Resume(ctx, "q"))
	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryTransport_CleanAndDrain(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(time.Millisecond)
	defer func() { _ = tr.Close() }()

	done := newTestJob("q")
	require.NoError(t, tr.Enqueue(ctx, done))
	job, _ := tr.claim("q")
	tr.finish(job, nil)

	require.NoError(t, tr.Enqueue(ctx, newTestJob("q"), newTestJob("q", WithDelay(time.Hour))))

	n, err := tr.Clean(ctx, "q", 0, JobStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = tr.Clean(ctx, "q", 0, JobStateWaiting)
	assert.ErrorIs(t, err, ErrUnsupportedCleanState)

	require.NoError(t, tr.Drain(ctx, "q"))
	c, err := tr.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, Counts{}, c)
}

func TestMemoryTransport_CloseStopsConsumers(t *testing.T) {
	tr := NewMemoryTransport(time.Millisecond)

	returned := make(chan error, 1)
	go func() {
		returned <- tr.Consume(context.Background(), "q", 2, func(context.Context, *Job) error { return nil })
	}()

	// Give the consumer a chance to register before closing.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())
	assert.NoError(t, <-returned)

	// Consume after Close returns immediately.
	assert.NoError(t, tr.Consume(context.Background(), "q", 1, nil))
}
