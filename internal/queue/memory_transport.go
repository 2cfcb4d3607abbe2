package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryQueue struct {
	waiting   []*Job
	delayed   []*Job
	active    map[string]*Job
	completed []*Job
	failed    []*Job
	paused    bool
}

// MemoryTransport is an in-process Transport. Jobs are lost on restart.
type MemoryTransport struct {
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	queues map[string]*memoryQueue
	wake   chan struct{}

	consumers consumers
}

// NewMemoryTransport creates a MemoryTransport. pollInterval bounds how late delayed jobs
// are promoted; it defaults to 50ms.
func NewMemoryTransport(pollInterval time.Duration) *MemoryTransport {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &MemoryTransport{
		pollInterval: pollInterval,
		now:          time.Now,
		queues:       make(map[string]*memoryQueue),
		wake:         make(chan struct{}),
	}
}

// queue returns the named queue, creating it. Caller holds mu.
func (t *MemoryTransport) queue(name string) *memoryQueue {
	q, ok := t.queues[name]
	if !ok {
		q = &memoryQueue{active: make(map[string]*Job)}
		t.queues[name] = q
	}
	return q
}

// signal wakes every idle worker. Caller holds mu.
func (t *MemoryTransport) signal() {
	close(t.wake)
	t.wake = make(chan struct{})
}

// pushWaiting inserts job keeping higher priorities first and FIFO within a priority.
// Caller holds mu.
func (q *memoryQueue) pushWaiting(job *Job) {
	i := sort.Search(len(q.waiting), func(i int) bool {
		return q.waiting[i].Options.Priority < job.Options.Priority
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = job
}

// Enqueue adds jobs to their queues.
func (t *MemoryTransport) Enqueue(_ context.Context, jobs ...*Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, job := range jobs {
		q := t.queue(job.Queue)
		cp := job.clone()
		if cp.ReadyAt.After(now) {
			q.delayed = append(q.delayed, cp)
			continue
		}
		q.pushWaiting(cp)
	}
	t.signal()
	return nil
}

// claim pops the next ready job of queue, promoting due delayed jobs first.
func (t *MemoryTransport) claim(name string) (*Job, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(name)
	if q.paused {
		return nil, t.wake
	}

	now := t.now()
	kept := q.delayed[:0]
	for _, job := range q.delayed {
		if job.ReadyAt.After(now) {
			kept = append(kept, job)
			continue
		}
		q.pushWaiting(job)
	}
	q.delayed = kept

	if len(q.waiting) == 0 {
		return nil, t.wake
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[job.ID] = job
	return job.clone(), nil
}

func (t *MemoryTransport) finish(job *Job, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(job.Queue)
	delete(q.active, job.ID)
	now := t.now()

	if err == nil {
		if !job.Options.RemoveOnComplete {
			job.FinishedAt = &now
			q.completed = append(q.completed, job)
		}
		return
	}

	retry, readyAt := job.fail(err, now)
	switch {
	case retry && readyAt.After(now):
		q.delayed = append(q.delayed, job)
	case retry:
		q.pushWaiting(job)
		t.signal()
	case !job.Options.RemoveOnFail:
		q.failed = append(q.failed, job)
	}
}

// Consume runs concurrency workers on queue until ctx is done or the transport is closed.
func (t *MemoryTransport) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	ctx, done, ok := t.consumers.start(ctx)
	if !ok {
		return nil
	}
	defer done()

	runWorkers(ctx, concurrency, func(ctx context.Context) {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()

		for ctx.Err() == nil {
			job, wake := t.claim(queue)
			if job != nil {
				t.finish(job, handler(ctx, job.clone()))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	})
	return nil
}

// Counts returns the number of jobs per state.
func (t *MemoryTransport) Counts(_ context.Context, queue string) (Counts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(queue)
	return Counts{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Delayed:   int64(len(q.delayed)),
	}, nil
}

// Pause stops delivering jobs of queue. Active jobs run to completion.
func (t *MemoryTransport) Pause(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue(queue).paused = true
	return nil
}

// Resume restarts delivery of queue.
func (t *MemoryTransport) Resume(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue(queue).paused = false
	t.signal()
	return nil
}

// IsPaused reports whether queue is paused.
func (t *MemoryTransport) IsPaused(_ context.Context, queue string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue(queue).paused, nil
}

// Clean removes completed or failed jobs finished more than grace ago.
func (t *MemoryTransport) Clean(_ context.Context, queue string, grace time.Duration, state JobState) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(queue)
	cutoff := t.now().Add(-grace)
	prune := func(jobs []*Job) ([]*Job, int) {
		kept := jobs[:0]
		removed := 0
		for _, job := range jobs {
			if job.FinishedAt != nil && !job.FinishedAt.After(cutoff) {
				removed++
				continue
			}
			kept = append(kept, job)
		}
		return kept, removed
	}

	var removed int
	switch state {
	case JobStateCompleted:
		q.completed, removed = prune(q.completed)
	case JobStateFailed:
		q.failed, removed = prune(q.failed)
	default:
		return 0, ErrUnsupportedCleanState
	}
	return removed, nil
}

// Drain removes waiting and delayed jobs.
func (t *MemoryTransport) Drain(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(queue)
	q.waiting = nil
	q.delayed = nil
	return nil
}

// Close stops every consumer and waits for in-flight jobs.
func (t *MemoryTransport) Close() error {
	t.consumers.close()
	return nil
}
