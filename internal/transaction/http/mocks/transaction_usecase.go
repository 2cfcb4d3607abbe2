// Package mocks provides mock implementations for testing HTTP handlers.
package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/allisson/txpipeline/internal/transaction/domain"
	"github.com/allisson/txpipeline/internal/transaction/usecase"
)

// MockTransactionUseCase is a mock implementation of TransactionUseCase for testing.
type MockTransactionUseCase struct {
	mock.Mock
}

// NewMockTransactionUseCase creates a MockTransactionUseCase that asserts its expectations
// when the test ends.
func NewMockTransactionUseCase(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransactionUseCase {
	m := &MockTransactionUseCase{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockTransactionUseCase) transaction(args mock.Arguments) (*domain.Transaction, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

// Create mocks the Create method of TransactionUseCase.
func (m *MockTransactionUseCase) Create(
	ctx context.Context,
	input domain.NewTransactionInput,
) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, input))
}

// Get mocks the Get method of TransactionUseCase.
func (m *MockTransactionUseCase) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, id))
}

// GetByExternalID mocks the GetByExternalID method of TransactionUseCase.
func (m *MockTransactionUseCase) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, externalID))
}

// ListByAccount mocks the ListByAccount method of TransactionUseCase.
func (m *MockTransactionUseCase) ListByAccount(
	ctx context.Context,
	accountID string,
	limit, offset int,
) ([]*domain.Transaction, error) {
	args := m.Called(ctx, accountID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Transaction), args.Error(1)
}

// FraudCheck mocks the FraudCheck method of TransactionUseCase.
func (m *MockTransactionUseCase) FraudCheck(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, id))
}

// EnqueueProcessing mocks the EnqueueProcessing method of TransactionUseCase.
func (m *MockTransactionUseCase) EnqueueProcessing(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Process mocks the Process method of TransactionUseCase.
func (m *MockTransactionUseCase) Process(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, id))
}

// Retry mocks the Retry method of TransactionUseCase.
func (m *MockTransactionUseCase) Retry(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Reverse mocks the Reverse method of TransactionUseCase.
func (m *MockTransactionUseCase) Reverse(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, id, reason))
}

// Reject mocks the Reject method of TransactionUseCase.
func (m *MockTransactionUseCase) Reject(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	return m.transaction(m.Called(ctx, id, reason))
}

// RetryFailed mocks the RetryFailed method of TransactionUseCase.
func (m *MockTransactionUseCase) RetryFailed(ctx context.Context, limit int) (usecase.RetryResult, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(usecase.RetryResult), args.Error(1)
}

// Statistics mocks the Statistics method of TransactionUseCase.
func (m *MockTransactionUseCase) Statistics(
	ctx context.Context,
	from, to *time.Time,
) (*domain.Statistics, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Statistics), args.Error(1)
}
