// Package mocks provides mock implementations of the dead-letter queue for testing.
package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/allisson/txpipeline/internal/dlq/domain"
	"github.com/allisson/txpipeline/internal/dlq/usecase"
)

// MockDeadLetterQueue is a mock implementation of usecase.UseCase.
type MockDeadLetterQueue struct {
	mock.Mock
}

var _ usecase.UseCase = (*MockDeadLetterQueue)(nil)

// NewMockDeadLetterQueue creates a MockDeadLetterQueue that asserts its expectations when
// the test ends.
func NewMockDeadLetterQueue(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockDeadLetterQueue {
	m := &MockDeadLetterQueue{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func messages(args mock.Arguments) ([]*domain.Message, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

// Send mocks the Send method.
func (m *MockDeadLetterQueue) Send(ctx context.Context, input usecase.SendInput) (*domain.Message, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

// ProcessMessages mocks the ProcessMessages method.
func (m *MockDeadLetterQueue) ProcessMessages(ctx context.Context, queue string) (*domain.ProcessResult, error) {
	args := m.Called(ctx, queue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProcessResult), args.Error(1)
}

// Stats mocks the Stats method.
func (m *MockDeadLetterQueue) Stats(ctx context.Context, queue string) (map[string]domain.QueueStats, error) {
	args := m.Called(ctx, queue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.QueueStats), args.Error(1)
}

// Messages mocks the Messages method.
func (m *MockDeadLetterQueue) Messages(ctx context.Context, queue string, limit int) ([]*domain.Message, error) {
	return messages(m.Called(ctx, queue, limit))
}

// PermanentFailures mocks the PermanentFailures method.
func (m *MockDeadLetterQueue) PermanentFailures(
	ctx context.Context,
	queue string,
	limit int,
) ([]*domain.Message, error) {
	return messages(m.Called(ctx, queue, limit))
}

// Clear mocks the Clear method.
func (m *MockDeadLetterQueue) Clear(ctx context.Context, queue string) (int, error) {
	args := m.Called(ctx, queue)
	return args.Int(0), args.Error(1)
}

// Replay mocks the Replay method.
func (m *MockDeadLetterQueue) Replay(ctx context.Context, queue string, id uuid.UUID) error {
	args := m.Called(ctx, queue, id)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockDeadLetterQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
