package queue

import (
	"context"
	"sync"
	"time"
)

// Handler processes one job. Returning an error makes the transport count a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// Counts holds the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Transport stores jobs and delivers them to consumers. Attempt counting and backoff are the
// transport's responsibility.
type Transport interface {
	Enqueue(ctx context.Context, jobs ...*Job) error
	// Consume runs concurrency workers on queue until ctx is done or the transport is closed.
	Consume(ctx context.Context, queue string, concurrency int, handler Handler) error
	Counts(ctx context.Context, queue string) (Counts, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	// Clean removes finished jobs in state (completed or failed) older than grace.
	Clean(ctx context.Context, queue string, grace time.Duration, state JobState) (int, error)
	// Drain removes waiting and delayed jobs.
	Drain(ctx context.Context, queue string) error
	Close() error
}

// consumers tracks running Consume calls so Close can stop and wait for them.
type consumers struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancels map[int]context.CancelFunc
	next    int
	closed  bool
}

// start derives a cancellable context for a Consume call. ok is false once closed.
func (c *consumers) start(ctx context.Context) (context.Context, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, false
	}
	if c.cancels == nil {
		c.cancels = make(map[int]context.CancelFunc)
	}

	ctx, cancel := context.WithCancel(ctx)
	id := c.next
	c.next++
	c.cancels[id] = cancel
	c.wg.Add(1)

	done := func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
		c.wg.Done()
	}
	return ctx, done, true
}

// close cancels every running Consume call and waits for them. It is idempotent.
func (c *consumers) close() {
	c.mu.Lock()
	c.closed = true
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// runWorkers runs n copies of work and waits for all of them.
func runWorkers(ctx context.Context, n int, work func(ctx context.Context)) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			work(ctx)
		}()
	}
	wg.Wait()
}
