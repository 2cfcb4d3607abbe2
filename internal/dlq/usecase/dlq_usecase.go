// Package usecase implements the dead-letter queue: capture of exhausted jobs, delayed and
// swept retries, TTL expiry, statistics and manual replay.
package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/dlq/domain"
	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// ErrNoRetryAction is returned by Replay when no retry action is configured.
var ErrNoRetryAction = apperrors.Wrap(apperrors.ErrUnavailable, "dlq retry action not configured")

// Repository defines DLQ message storage operations.
type Repository interface {
	Save(ctx context.Context, msg *domain.Message) error
	Get(ctx context.Context, queue string, id uuid.UUID) (*domain.Message, error)
	List(ctx context.Context, queue string) ([]*domain.Message, error)
	Delete(ctx context.Context, queue string, id uuid.UUID) error
	Clear(ctx context.Context, queue string) (int, error)
	Close() error
}

// RetryAction re-drives a dead-lettered job, usually by re-enqueuing it on its origin queue.
type RetryAction func(ctx context.Context, msg *domain.Message) error

// Config holds DLQ configuration.
type Config struct {
	// MaxRetries is the attempt count at which a message becomes a permanent failure.
	MaxRetries int
	// RetryDelay is the delay before the automatic retry scheduled by Send.
	RetryDelay time.Duration
	// TTL is how long a message is kept before being purged. Zero keeps messages forever.
	TTL time.Duration
	// ShouldRetry optionally vetoes the automatic retry of a message.
	ShouldRetry func(msg *domain.Message) bool
	// OnPermanentFailure is optionally invoked when a message becomes a permanent failure.
	OnPermanentFailure func(ctx context.Context, msg *domain.Message)
}

// SendInput describes a job that exhausted its attempts.
type SendInput struct {
	JobID        string
	Queue        string
	Payload      json.RawMessage
	Err          error
	Stack        string
	AttemptsMade int
	// Permanent archives the message as a permanent failure whatever AttemptsMade is.
	Permanent bool
	Metadata  map[string]any
}

// UseCase defines the DLQ operations.
type UseCase interface {
	Send(ctx context.Context, input SendInput) (*domain.Message, error)
	ProcessMessages(ctx context.Context, queue string) (*domain.ProcessResult, error)
	Stats(ctx context.Context, queue string) (map[string]domain.QueueStats, error)
	Messages(ctx context.Context, queue string, limit int) ([]*domain.Message, error)
	PermanentFailures(ctx context.Context, queue string, limit int) ([]*domain.Message, error)
	Clear(ctx context.Context, queue string) (int, error)
	Replay(ctx context.Context, queue string, id uuid.UUID) error
	Close() error
}

// DeadLetterQueue implements UseCase.
type DeadLetterQueue struct {
	config Config
	repo   Repository
	retry  RetryAction
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
}

// NewDeadLetterQueue creates a DeadLetterQueue. retry may be nil, in which case messages are
// only captured and expired.
func NewDeadLetterQueue(config Config, repo Repository, retry RetryAction, logger *slog.Logger) *DeadLetterQueue {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeadLetterQueue{
		config:  config,
		repo:    repo,
		retry:   retry,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[uuid.UUID]*time.Timer),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetRetryAction replaces the retry action. Used when the action depends on components that
// are built after the DLQ.
func (d *DeadLetterQueue) SetRetryAction(retry RetryAction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retry = retry
}

func (d *DeadLetterQueue) retryAction() RetryAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retry
}

// Send captures a failed job. Messages below MaxRetries get a delayed automatic retry;
// the others, and those sent as Permanent, are archived as permanent failures.
func (d *DeadLetterQueue) Send(ctx context.Context, input SendInput) (*domain.Message, error) {
	errMsg := "unknown error"
	if input.Err != nil {
		errMsg = input.Err.Error()
	}

	msg := &domain.Message{
		ID:           uuid.Must(uuid.NewV7()),
		JobID:        input.JobID,
		Queue:        input.Queue,
		Payload:      input.Payload,
		Error:        errMsg,
		Stack:        input.Stack,
		AttemptsMade: input.AttemptsMade,
		Metadata:     input.Metadata,
		CreatedAt:    d.now().UTC(),
	}

	permanent := input.Permanent || msg.AttemptsMade >= d.config.MaxRetries
	msg.Permanent = permanent

	if err := d.repo.Save(ctx, msg); err != nil {
		return nil, err
	}

	d.logger.Warn("job sent to dead letter queue",
		slog.String("queue", msg.Queue),
		slog.String("job_id", msg.JobID),
		slog.String("message_id", msg.ID.String()),
		slog.Int("attempts_made", msg.AttemptsMade),
		slog.String("error", msg.Error),
	)

	if permanent {
		d.permanentFailure(ctx, msg)
		return msg, nil
	}

	if d.config.ShouldRetry == nil || d.config.ShouldRetry(msg) {
		d.scheduleRetry(msg)
	}
	return msg, nil
}

func (d *DeadLetterQueue) permanentFailure(ctx context.Context, msg *domain.Message) {
	d.logger.Error("dead letter message is a permanent failure",
		slog.String("queue", msg.Queue),
		slog.String("job_id", msg.JobID),
		slog.String("message_id", msg.ID.String()),
		slog.Int("attempts_made", msg.AttemptsMade),
	)
	if d.config.OnPermanentFailure != nil {
		d.config.OnPermanentFailure(ctx, msg)
	}
}

func (d *DeadLetterQueue) scheduleRetry(msg *domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.retry == nil {
		return
	}

	queue, id := msg.Queue, msg.ID
	d.wg.Add(1)
	d.timers[id] = time.AfterFunc(d.config.RetryDelay, func() {
		defer d.wg.Done()

		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()

		stored, err := d.repo.Get(d.baseCtx, queue, id)
		if err != nil {
			// Already replayed, swept or cleared.
			return
		}
		d.attempt(d.baseCtx, stored)
	})
}

// attempt runs the retry action once and updates the stored message accordingly.
// It reports whether the retry succeeded and whether the message turned permanent.
func (d *DeadLetterQueue) attempt(ctx context.Context, msg *domain.Message) (ok bool, permanent bool) {
	retry := d.retryAction()
	if retry == nil {
		return false, false
	}

	err := retry(ctx, msg)
	if err == nil {
		if delErr := d.repo.Delete(ctx, msg.Queue, msg.ID); delErr != nil {
			d.logger.Error("failed to delete retried dead letter message",
				slog.String("message_id", msg.ID.String()),
				slog.Any("error", delErr),
			)
		}
		d.logger.Info("dead letter message retried",
			slog.String("queue", msg.Queue),
			slog.String("job_id", msg.JobID),
		)
		return true, false
	}

	now := d.now().UTC()
	msg.AttemptsMade++
	msg.Error = err.Error()
	msg.LastAttemptAt = &now
	permanent = msg.AttemptsMade >= d.config.MaxRetries && !msg.Permanent
	if permanent {
		msg.Permanent = true
	}

	if saveErr := d.repo.Save(ctx, msg); saveErr != nil {
		d.logger.Error("failed to update dead letter message",
			slog.String("message_id", msg.ID.String()),
			slog.Any("error", saveErr),
		)
	}
	if permanent {
		d.permanentFailure(ctx, msg)
	}
	return false, permanent
}

// ProcessMessages sweeps the DLQ of one queue, or of every queue when queue is empty.
// Expired messages are purged without being retried; permanent failures are left for
// manual replay.
func (d *DeadLetterQueue) ProcessMessages(ctx context.Context, queue string) (*domain.ProcessResult, error) {
	msgs, err := d.repo.List(ctx, queue)
	if err != nil {
		return nil, err
	}

	result := &domain.ProcessResult{}
	now := d.now()
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if msg.IsExpired(now, d.config.TTL) {
			if err := d.repo.Delete(ctx, msg.Queue, msg.ID); err != nil {
				return result, err
			}
			result.Expired++
			continue
		}

		if msg.Permanent || d.retryAction() == nil {
			continue
		}

		ok, permanent := d.attempt(ctx, msg)
		switch {
		case ok:
			result.Retried++
		case permanent:
			result.Permanent++
		default:
			result.Failed++
		}
	}

	if result.Retried+result.Failed+result.Expired+result.Permanent > 0 {
		d.logger.Info("dead letter queue processed",
			slog.String("queue", queue),
			slog.Int("retried", result.Retried),
			slog.Int("failed", result.Failed),
			slog.Int("expired", result.Expired),
			slog.Int("permanent", result.Permanent),
		)
	}
	return result, nil
}

// Stats returns per-queue statistics, including permanent failures.
func (d *DeadLetterQueue) Stats(ctx context.Context, queue string) (map[string]domain.QueueStats, error) {
	msgs, err := d.repo.List(ctx, queue)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]domain.QueueStats)
	attempts := make(map[string]int)
	for _, msg := range msgs {
		s, ok := stats[msg.Queue]
		if !ok {
			s.ByError = make(map[string]int)
		}
		s.Total++
		if msg.Permanent {
			s.Permanent++
		}
		s.ByError[msg.ErrorType()]++
		if s.OldestMessage == nil || msg.CreatedAt.Before(*s.OldestMessage) {
			created := msg.CreatedAt
			s.OldestMessage = &created
		}
		attempts[msg.Queue] += msg.AttemptsMade
		stats[msg.Queue] = s
	}

	for name, s := range stats {
		s.AverageAttempts = float64(attempts[name]) / float64(s.Total)
		stats[name] = s
	}
	return stats, nil
}

// Messages returns retryable messages, oldest first. A non-positive limit returns all.
func (d *DeadLetterQueue) Messages(ctx context.Context, queue string, limit int) ([]*domain.Message, error) {
	return d.filter(ctx, queue, limit, false)
}

// PermanentFailures returns archived permanent failures, oldest first.
func (d *DeadLetterQueue) PermanentFailures(ctx context.Context, queue string, limit int) ([]*domain.Message, error) {
	return d.filter(ctx, queue, limit, true)
}

func (d *DeadLetterQueue) filter(ctx context.Context, queue string, limit int, permanent bool) ([]*domain.Message, error) {
	msgs, err := d.repo.List(ctx, queue)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Permanent != permanent {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Clear removes the messages of one queue, or of every queue when queue is empty.
func (d *DeadLetterQueue) Clear(ctx context.Context, queue string) (int, error) {
	n, err := d.repo.Clear(ctx, queue)
	if err != nil {
		return 0, err
	}
	d.logger.Info("dead letter queue cleared", slog.String("queue", queue), slog.Int("count", n))
	return n, nil
}

// Replay retries one message on demand. Permanent failures may be replayed.
func (d *DeadLetterQueue) Replay(ctx context.Context, queue string, id uuid.UUID) error {
	msg, err := d.repo.Get(ctx, queue, id)
	if err != nil {
		return err
	}

	retry := d.retryAction()
	if retry == nil {
		return ErrNoRetryAction
	}

	if err := retry(ctx, msg); err != nil {
		now := d.now().UTC()
		msg.AttemptsMade++
		msg.Error = err.Error()
		msg.LastAttemptAt = &now
		if saveErr := d.repo.Save(ctx, msg); saveErr != nil {
			return saveErr
		}
		return err
	}

	return d.repo.Delete(ctx, queue, id)
}

// Close cancels pending automatic retries, waits for running ones and closes the repository.
func (d *DeadLetterQueue) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return d.repo.Close()
}
