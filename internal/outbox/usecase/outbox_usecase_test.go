package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/outbox/domain"
)

// inlineTx runs fn directly, or fails with beginErr without calling it.
type inlineTx struct {
	beginErr error
	calls    int
}

func (tx *inlineTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.calls++
	if tx.beginErr != nil {
		return tx.beginErr
	}
	return fn(ctx)
}

// MockOutboxEventRepository is a mock implementation of OutboxEventRepository
type MockOutboxEventRepository struct {
	mock.Mock
}

func (m *MockOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockOutboxEventRepository) events(args mock.Arguments) ([]*domain.OutboxEvent, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEvent), args.Error(1)
}

func (m *MockOutboxEventRepository) GetPendingEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	return m.events(m.Called(ctx, limit))
}

func (m *MockOutboxEventRepository) ListEvents(
	ctx context.Context,
	from, to time.Time,
	eventTypes []string,
) ([]*domain.OutboxEvent, error) {
	return m.events(m.Called(ctx, from, to, eventTypes))
}

func (m *MockOutboxEventRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	return m.Called(ctx, event).Error(0)
}

// processorFunc adapts a function to EventProcessor.
type processorFunc func(ctx context.Context, event *domain.OutboxEvent) error

func (f processorFunc) Process(ctx context.Context, event *domain.OutboxEvent) error {
	return f(ctx, event)
}

func pendingRow(eventType string, retries int) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		ID:        uuid.Must(uuid.NewV7()),
		EventType: eventType,
		Topic:     "transaction.created",
		Payload:   `{}`,
		Status:    domain.OutboxEventStatusPending,
		Retries:   retries,
	}
}

func newTestRelay(
	repo OutboxEventRepository,
	processor EventProcessor,
	tx *inlineTx,
) *Relay {
	relay := NewRelay(Config{Interval: 10 * time.Millisecond, BatchSize: 25, MaxRetries: 3}, tx, repo, processor, nil)
	relay.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return relay
}

func TestRelay_RelayBatch(t *testing.T) {
	ctx := context.Background()
	brokerDown := errors.New("broker down")

	t.Run("Success_MixedOutcomes", func(t *testing.T) {
		delivered := pendingRow("TransactionCreated", 0)
		retrying := pendingRow("TransactionCompleted", 0)
		parked := pendingRow("TransactionFailed", 2)

		repo := &MockOutboxEventRepository{}
		repo.On("GetPendingEvents", mock.Anything, 25).
			Return([]*domain.OutboxEvent{delivered, retrying, parked}, nil).Once()
		repo.On("Update", mock.Anything, mock.Anything).Return(nil).Times(3)

		relay := newTestRelay(repo, processorFunc(func(_ context.Context, e *domain.OutboxEvent) error {
			if e.ID == delivered.ID {
				return nil
			}
			return brokerDown
		}), &inlineTx{})

		stats, err := relay.RelayBatch(ctx)

		require.NoError(t, err)
		assert.Equal(t, RelayStats{Delivered: 1, Retrying: 1, Parked: 1}, stats)
		assert.Equal(t, 3, stats.Total())

		assert.Equal(t, domain.OutboxEventStatusProcessed, delivered.Status)
		require.NotNil(t, delivered.ProcessedAt)
		assert.Equal(t, relay.now(), *delivered.ProcessedAt)

		assert.Equal(t, domain.OutboxEventStatusPending, retrying.Status)
		assert.Equal(t, 1, retrying.Retries)
		assert.Equal(t, "broker down", *retrying.LastError)

		assert.Equal(t, domain.OutboxEventStatusFailed, parked.Status)
		assert.Equal(t, 3, parked.Retries)
		repo.AssertExpectations(t)
	})

	t.Run("Success_NothingPending", func(t *testing.T) {
		repo := &MockOutboxEventRepository{}
		repo.On("GetPendingEvents", mock.Anything, 25).Return([]*domain.OutboxEvent{}, nil).Once()

		relay := newTestRelay(repo, processorFunc(func(context.Context, *domain.OutboxEvent) error {
			t.Fatal("processor must not be called")
			return nil
		}), &inlineTx{})

		stats, err := relay.RelayBatch(ctx)

		require.NoError(t, err)
		assert.Zero(t, stats.Total())
		repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("Error_FetchFails", func(t *testing.T) {
		repo := &MockOutboxEventRepository{}
		repo.On("GetPendingEvents", mock.Anything, 25).Return(nil, errors.New("db gone")).Once()

		relay := newTestRelay(repo, processorFunc(func(context.Context, *domain.OutboxEvent) error { return nil }), &inlineTx{})

		_, err := relay.RelayBatch(ctx)

		assert.EqualError(t, err, "db gone")
	})

	t.Run("Error_UpdateAbortsBatch", func(t *testing.T) {
		first := pendingRow("TransactionCreated", 0)
		second := pendingRow("TransactionCreated", 0)

		repo := &MockOutboxEventRepository{}
		repo.On("GetPendingEvents", mock.Anything, 25).Return([]*domain.OutboxEvent{first, second}, nil).Once()
		repo.On("Update", mock.Anything, first).Return(errors.New("deadlock")).Once()

		processed := 0
		relay := newTestRelay(repo, processorFunc(func(context.Context, *domain.OutboxEvent) error {
			processed++
			return nil
		}), &inlineTx{})

		_, err := relay.RelayBatch(ctx)

		assert.EqualError(t, err, "deadlock")
		assert.Equal(t, 1, processed)
		repo.AssertExpectations(t)
	})

	t.Run("Error_BeginFails", func(t *testing.T) {
		repo := &MockOutboxEventRepository{}
		tx := &inlineTx{beginErr: errors.New("pool exhausted")}

		relay := newTestRelay(repo, processorFunc(func(context.Context, *domain.OutboxEvent) error { return nil }), tx)

		_, err := relay.RelayBatch(ctx)

		assert.EqualError(t, err, "pool exhausted")
		assert.Equal(t, 1, tx.calls)
		repo.AssertNotCalled(t, "GetPendingEvents", mock.Anything, mock.Anything)
	})
}

func TestRelay_Start(t *testing.T) {
	t.Run("returns on cancellation", func(t *testing.T) {
		relay := newTestRelay(&MockOutboxEventRepository{}, nil, &inlineTx{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, relay.Start(ctx), context.Canceled)
	})

	t.Run("keeps relaying after a failed batch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		repo := &MockOutboxEventRepository{}
		repo.On("GetPendingEvents", mock.Anything, 25).Return(nil, errors.New("db gone")).Once()
		repo.On("GetPendingEvents", mock.Anything, 25).
			Run(func(mock.Arguments) { cancel() }).
			Return([]*domain.OutboxEvent{}, nil).Once()
		repo.On("GetPendingEvents", mock.Anything, 25).Return([]*domain.OutboxEvent{}, nil).Maybe()

		relay := newTestRelay(repo, nil, &inlineTx{})

		done := make(chan error, 1)
		go func() { done <- relay.Start(ctx) }()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
		repo.AssertExpectations(t)
	})
}
