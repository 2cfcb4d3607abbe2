// Package usecase orchestrates the transaction lifecycle: creation, fraud screening,
// payment processing, reversal and retry of failed transactions.
package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	eventDomain "github.com/allisson/txpipeline/internal/event/domain"
	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// TransactionRepository defines transaction persistence operations.
type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	// Update persists tx if its version is still current and bumps the version.
	Update(ctx context.Context, tx *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Transaction, error)
	// ListFailedForRetry returns FAILED transactions with retries left, oldest first.
	ListFailedForRetry(ctx context.Context, limit int) ([]*domain.Transaction, error)
	TotalsByStatus(ctx context.Context, from, to *time.Time) (map[domain.Status]domain.StatusTotals, error)
}

// EventPublisher publishes transaction events.
type EventPublisher interface {
	Publish(
		ctx context.Context,
		eventType, aggregateID string,
		payload any,
		metadata map[string]any,
	) (*eventDomain.Event, error)
}

// JobQueue enqueues jobs of one payload type.
type JobQueue[P any] interface {
	AddJob(ctx context.Context, payload P, opts ...queue.JobOption) (*queue.Job, error)
}

// PaymentGateway executes the money movement of a transaction.
type PaymentGateway interface {
	Execute(ctx context.Context, tx *domain.Transaction) error
}

// Queue names of the transaction jobs.
const (
	QueueFraudCheck            = "fraud-check"
	QueueTransactionProcessing = "transaction-processing"
)

// FraudCheckJob is the payload of the fraud-check queue.
type FraudCheckJob struct {
	TransactionID uuid.UUID `json:"transactionId"`
}

// ProcessTransactionJob is the payload of the processing queue.
type ProcessTransactionJob struct {
	TransactionID uuid.UUID `json:"transactionId"`
}

// RetryResult reports a retry sweep. Considered counts every FAILED candidate loaded,
// Enqueued only those put back in the processing queue.
type RetryResult struct {
	Considered int `json:"considered"`
	Enqueued   int `json:"enqueued"`
}

// TransactionUseCase defines the transaction business operations.
type TransactionUseCase interface {
	Create(ctx context.Context, input domain.NewTransactionInput) (*domain.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error)
	FraudCheck(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	EnqueueProcessing(ctx context.Context, id uuid.UUID) error
	Process(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	Retry(ctx context.Context, id uuid.UUID) error
	Reverse(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error)
	Reject(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error)
	RetryFailed(ctx context.Context, limit int) (RetryResult, error)
	Statistics(ctx context.Context, from, to *time.Time) (*domain.Statistics, error)
}
