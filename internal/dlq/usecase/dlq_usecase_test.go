package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/allisson/txpipeline/internal/dlq/domain"
	"github.com/allisson/txpipeline/internal/dlq/repository"
	apperrors "github.com/allisson/txpipeline/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockRepository) Get(ctx context.Context, queue string, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, queue, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, queue string) ([]*domain.Message, error) {
	args := m.Called(ctx, queue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, queue string, id uuid.UUID) error {
	args := m.Called(ctx, queue, id)
	return args.Error(0)
}

func (m *MockRepository) Clear(ctx context.Context, queue string) (int, error) {
	args := m.Called(ctx, queue)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

type recorder struct {
	mu        sync.Mutex
	retried   []string
	permanent []string
	fail      error
}

func (r *recorder) retry(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, msg.JobID)
	return r.fail
}

func (r *recorder) onPermanent(_ context.Context, msg *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permanent = append(r.permanent, msg.JobID)
}

func (r *recorder) retriedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retried)
}

func newTestDLQ(t *testing.T, cfg Config, rec *recorder) (*DeadLetterQueue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cfg.OnPermanentFailure = rec.onPermanent
	d := NewDeadLetterQueue(cfg, repository.NewMemoryDLQRepository(), rec.retry, nil)
	d.now = func() time.Time { return now }
	t.Cleanup(func() { _ = d.Close() })
	return d, &now
}

func sendInput(jobID string, attempts int) SendInput {
	return SendInput{
		JobID:        jobID,
		Queue:        "transaction-processing",
		Payload:      json.RawMessage(`{"transactionId":"` + jobID + `"}`),
		Err:          errors.New("gateway timeout: no response"),
		AttemptsMade: attempts,
		Metadata:     map[string]any{"circuit_state": "CLOSED"},
	}
}

func TestDeadLetterQueue_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Hour}, rec)

	msg, err := d.Send(ctx, sendInput("job-1", 3))
	require.NoError(t, err)
	assert.True(t, msg.Permanent)
	assert.Equal(t, []string{"job-1"}, rec.permanent)

	msgs, err := d.Messages(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	archived, err := d.PermanentFailures(ctx, "transaction-processing", 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, msg.ID, archived[0].ID)

	stats, err := d.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats["transaction-processing"].Total)
	assert.Equal(t, 1, stats["transaction-processing"].Permanent)

	// Permanent failures are not retried by the sweep.
	result, err := d.ProcessMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessResult{}, *result)
	assert.Zero(t, rec.retriedCount())
}

func TestDeadLetterQueue_PermanentInput(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Millisecond}, rec)

	input := sendInput("job-1", 0)
	input.Permanent = true
	input.Stack = "goroutine 7 [running]:"

	msg, err := d.Send(ctx, input)

	require.NoError(t, err)
	assert.True(t, msg.Permanent)
	assert.Equal(t, "goroutine 7 [running]:", msg.Stack)
	assert.Equal(t, []string{"job-1"}, rec.permanent)
	assert.Never(t, func() bool { return rec.retriedCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestDeadLetterQueue_ScheduledRetry(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: 5 * time.Millisecond}, rec)

	_, err := d.Send(ctx, sendInput("job-1", 1))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.retriedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		msgs, err := d.Messages(ctx, "", 0)
		return err == nil && len(msgs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeadLetterQueue_ShouldRetryVeto(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, _ := newTestDLQ(t, Config{
		MaxRetries:  3,
		ShouldRetry: func(*domain.Message) bool { return false },
	}, rec)

	_, err := d.Send(ctx, sendInput("job-1", 0))
	require.NoError(t, err)

	msgs, err := d.Messages(ctx, "transaction-processing", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Zero(t, rec.retriedCount())
}

func TestDeadLetterQueue_ProcessMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("expired messages are purged without retry", func(t *testing.T) {
		rec := &recorder{}
		d, now := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Hour, TTL: time.Hour}, rec)

		_, err := d.Send(ctx, sendInput("job-1", 1))
		require.NoError(t, err)
		*now = now.Add(2 * time.Hour)

		result, err := d.ProcessMessages(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Expired)
		assert.Zero(t, rec.retriedCount())

		stats, err := d.Stats(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, stats)
	})

	t.Run("successful retry removes the message", func(t *testing.T) {
		rec := &recorder{}
		d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Hour}, rec)

		_, err := d.Send(ctx, sendInput("job-1", 1))
		require.NoError(t, err)

		result, err := d.ProcessMessages(ctx, "transaction-processing")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)

		msgs, err := d.Messages(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("failed retry increments attempts until permanent", func(t *testing.T) {
		rec := &recorder{fail: errors.New("queue unavailable: redis down")}
		d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Hour}, rec)

		_, err := d.Send(ctx, sendInput("job-1", 1))
		require.NoError(t, err)

		result, err := d.ProcessMessages(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)

		msgs, err := d.Messages(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, 2, msgs[0].AttemptsMade)
		assert.Equal(t, "queue unavailable: redis down", msgs[0].Error)

		result, err = d.ProcessMessages(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Permanent)
		assert.Equal(t, []string{"job-1"}, rec.permanent)

		msgs, err = d.Messages(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &MockRepository{}
		repo.On("List", mock.Anything, "").Return(nil, apperrors.ErrUnavailable)
		repo.On("Close").Return(nil)
		d := NewDeadLetterQueue(Config{}, repo, nil, nil)
		defer func() { _ = d.Close() }()

		_, err := d.ProcessMessages(ctx, "")
		assert.ErrorIs(t, err, apperrors.ErrUnavailable)
		repo.AssertExpectations(t)
	})
}

func TestDeadLetterQueue_Stats(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, now := newTestDLQ(t, Config{MaxRetries: 5, RetryDelay: time.Hour}, rec)

	oldest := *now
	_, err := d.Send(ctx, sendInput("job-1", 1))
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = d.Send(ctx, sendInput("job-2", 3))
	require.NoError(t, err)
	in := sendInput("job-3", 2)
	in.Queue = "fraud-check"
	in.Err = errors.New("not found: transaction missing")
	_, err = d.Send(ctx, in)
	require.NoError(t, err)

	stats, err := d.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	processing := stats["transaction-processing"]
	assert.Equal(t, 2, processing.Total)
	assert.Equal(t, map[string]int{"gateway timeout": 2}, processing.ByError)
	assert.InDelta(t, 2.0, processing.AverageAttempts, 0.001)
	require.NotNil(t, processing.OldestMessage)
	assert.Equal(t, oldest, *processing.OldestMessage)

	assert.Equal(t, map[string]int{"not found": 1}, stats["fraud-check"].ByError)

	only, err := d.Stats(ctx, "fraud-check")
	require.NoError(t, err)
	assert.Len(t, only, 1)
}

func TestDeadLetterQueue_MessagesLimitAndClear(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	d, _ := newTestDLQ(t, Config{MaxRetries: 3, RetryDelay: time.Hour}, rec)

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Send(ctx, sendInput(id, 0))
		require.NoError(t, err)
	}

	msgs, err := d.Messages(ctx, "transaction-processing", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	n, err := d.Clear(ctx, "transaction-processing")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err = d.Messages(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeadLetterQueue_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent failure can be replayed", func(t *testing.T) {
		rec := &recorder{}
		d, _ := newTestDLQ(t, Config{MaxRetries: 3}, rec)

		msg, err := d.Send(ctx, sendInput("job-1", 3))
		require.NoError(t, err)

		require.NoError(t, d.Replay(ctx, msg.Queue, msg.ID))
		assert.Equal(t, []string{"job-1"}, rec.retried)

		archived, err := d.PermanentFailures(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, archived)
	})

	t.Run("failed replay keeps the message", func(t *testing.T) {
		rec := &recorder{fail: errors.New("still down")}
		d, _ := newTestDLQ(t, Config{MaxRetries: 3}, rec)

		msg, err := d.Send(ctx, sendInput("job-1", 3))
		require.NoError(t, err)

		assert.EqualError(t, d.Replay(ctx, msg.Queue, msg.ID), "still down")

		archived, err := d.PermanentFailures(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, 4, archived[0].AttemptsMade)
	})

	t.Run("unknown message", func(t *testing.T) {
		d, _ := newTestDLQ(t, Config{}, &recorder{})
		err := d.Replay(ctx, "q", uuid.New())
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestDeadLetterQueue_CloseCancelsPendingRetries(t *testing.T) {
	rec := &recorder{}
	d := NewDeadLetterQueue(
		Config{MaxRetries: 3, RetryDelay: time.Hour},
		repository.NewMemoryDLQRepository(),
		rec.retry,
		nil,
	)

	_, err := d.Send(context.Background(), sendInput("job-1", 0))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Zero(t, rec.retriedCount())
}
