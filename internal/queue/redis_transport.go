package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// promoteScript moves due jobs from the delayed sorted set to the wait list atomically.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// RedisTransport is a Transport backed by Redis. Per queue it keeps a wait list consumed from
// the right, an active list, a delayed sorted set scored by ready time in milliseconds,
// completed and failed lists, a paused flag and one JSON document per job.
type RedisTransport struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	consumers consumers
}

// NewRedisTransport creates a RedisTransport. The client is owned by the caller.
func NewRedisTransport(client *redis.Client, prefix string, pollInterval time.Duration, logger *slog.Logger) *RedisTransport {
	if prefix == "" {
		prefix = "queue"
	}
	if pollInterval < time.Second {
		// BLMOVE timeouts have second granularity.
		pollInterval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisTransport{
		client:       client,
		prefix:       prefix,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}
}

func (t *RedisTransport) key(queue, part string) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, queue, part)
}

func (t *RedisTransport) jobKey(queue, id string) string {
	return fmt.Sprintf("%s:%s:job:%s", t.prefix, queue, id)
}

func (t *RedisTransport) saveJob(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, t.jobKey(job.Queue, job.ID), data, 0)
	return nil
}

func (t *RedisTransport) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	data, err := t.client.Get(ctx, t.jobKey(queue, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Enqueue stores the jobs and schedules them on the wait list or the delayed set.
func (t *RedisTransport) Enqueue(ctx context.Context, jobs ...*Job) error {
	now := t.now()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			if err := t.saveJob(ctx, pipe, job); err != nil {
				return err
			}
			t.schedule(ctx, pipe, job, now)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (t *RedisTransport) schedule(ctx context.Context, pipe redis.Pipeliner, job *Job, now time.Time) {
	if job.ReadyAt.After(now) {
		pipe.ZAdd(ctx, t.key(job.Queue, "delayed"), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: job.ID,
		})
		return
	}
	if job.Options.Priority > 0 {
		pipe.RPush(ctx, t.key(job.Queue, "wait"), job.ID)
		return
	}
	pipe.LPush(ctx, t.key(job.Queue, "wait"), job.ID)
}

// Consume runs concurrency workers on queue until ctx is done or the transport is closed.
func (t *RedisTransport) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	ctx, done, ok := t.consumers.start(ctx)
	if !ok {
		return nil
	}
	defer done()

	runWorkers(ctx, concurrency, func(ctx context.Context) {
		for ctx.Err() == nil {
			job, err := t.claim(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					t.logger.Error("failed to claim job", slog.String("queue", queue), slog.Any("error", err))
					t.wait(ctx)
				}
				continue
			}
			if job == nil {
				continue
			}

			handlerErr := handler(ctx, job.clone())
			if err := t.finish(context.WithoutCancel(ctx), job, handlerErr); err != nil {
				t.logger.Error("failed to finish job",
					slog.String("queue", queue),
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
		}
	})
	return nil
}

func (t *RedisTransport) wait(ctx context.Context) {
	timer := time.NewTimer(t.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claim promotes due delayed jobs and blocks up to pollInterval for the next waiting job.
func (t *RedisTransport) claim(ctx context.Context, queue string) (*Job, error) {
	paused, err := t.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		t.wait(ctx)
		return nil, nil
	}

	keys := []string{t.key(queue, "delayed"), t.key(queue, "wait")}
	if err := promoteScript.Run(ctx, t.client, keys, t.now().UnixMilli()).Err(); err != nil {
		return nil, err
	}

	id, err := t.client.BLMove(ctx, t.key(queue, "wait"), t.key(queue, "active"), "RIGHT", "LEFT", t.pollInterval).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	job, err := t.loadJob(ctx, queue, id)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Drained while moving; drop the dangling id.
			t.client.LRem(ctx, t.key(queue, "active"), 1, id)
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (t *RedisTransport) finish(ctx context.Context, job *Job, handlerErr error) error {
	now := t.now()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, t.key(job.Queue, "active"), 1, job.ID)

		if handlerErr == nil {
			if job.Options.RemoveOnComplete {
				pipe.Del(ctx, t.jobKey(job.Queue, job.ID))
				return nil
			}
			job.FinishedAt = &now
			pipe.LPush(ctx, t.key(job.Queue, "completed"), job.ID)
			return t.saveJob(ctx, pipe, job)
		}

		retry, _ := job.fail(handlerErr, now)
		if retry {
			t.schedule(ctx, pipe, job, now)
			return t.saveJob(ctx, pipe, job)
		}
		if job.Options.RemoveOnFail {
			pipe.Del(ctx, t.jobKey(job.Queue, job.ID))
			return nil
		}
		pipe.LPush(ctx, t.key(job.Queue, "failed"), job.ID)
		return t.saveJob(ctx, pipe, job)
	})
	return err
}

// Counts returns the number of jobs per state.
func (t *RedisTransport) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := t.client.Pipeline()
	waiting := pipe.LLen(ctx, t.key(queue, "wait"))
	active := pipe.LLen(ctx, t.key(queue, "active"))
	completed := pipe.LLen(ctx, t.key(queue, "completed"))
	failed := pipe.LLen(ctx, t.key(queue, "failed"))
	delayed := pipe.ZCard(ctx, t.key(queue, "delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, unavailable(err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Pause stops delivering jobs of queue.
func (t *RedisTransport) Pause(ctx context.Context, queue string) error {
	if err := t.client.Set(ctx, t.key(queue, "paused"), "1", 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Resume restarts delivery of queue.
func (t *RedisTransport) Resume(ctx context.Context, queue string) error {
	if err := t.client.Del(ctx, t.key(queue, "paused")).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// IsPaused reports whether queue is paused.
func (t *RedisTransport) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := t.client.Exists(ctx, t.key(queue, "paused")).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// Clean removes completed or failed jobs finished more than grace ago.
func (t *RedisTransport) Clean(ctx context.Context, queue string, grace time.Duration, state JobState) (int, error) {
	if state != JobStateCompleted && state != JobStateFailed {
		return 0, ErrUnsupportedCleanState
	}

	listKey := t.key(queue, string(state))
	ids, err := t.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	cutoff := t.now().Add(-grace)
	removed := 0
	for _, id := range ids {
		job, err := t.loadJob(ctx, queue, id)
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, unavailable(err)
		}
		if job != nil && job.FinishedAt != nil && job.FinishedAt.After(cutoff) {
			continue
		}

		pipe := t.client.TxPipeline()
		pipe.LRem(ctx, listKey, 1, id)
		pipe.Del(ctx, t.jobKey(queue, id))
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, unavailable(err)
		}
		removed++
	}
	return removed, nil
}

// Drain removes waiting and delayed jobs.
func (t *RedisTransport) Drain(ctx context.Context, queue string) error {
	waiting, err := t.client.LRange(ctx, t.key(queue, "wait"), 0, -1).Result()
	if err != nil {
		return unavailable(err)
	}
	delayed, err := t.client.ZRange(ctx, t.key(queue, "delayed"), 0, -1).Result()
	if err != nil {
		return unavailable(err)
	}

	keys := []string{t.key(queue, "wait"), t.key(queue, "delayed")}
	for _, id := range append(waiting, delayed...) {
		keys = append(keys, t.jobKey(queue, id))
	}
	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close stops every consumer and waits for in-flight jobs.
func (t *RedisTransport) Close() error {
	t.consumers.close()
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err)
}

