package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/metrics"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// transactionUseCaseWithMetrics decorates TransactionUseCase with metrics instrumentation.
type transactionUseCaseWithMetrics struct {
	next    TransactionUseCase
	metrics metrics.BusinessMetrics
}

// NewTransactionUseCaseWithMetrics wraps a TransactionUseCase with metrics recording.
func NewTransactionUseCaseWithMetrics(
	useCase TransactionUseCase,
	m metrics.BusinessMetrics,
) TransactionUseCase {
	return &transactionUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

func (t *transactionUseCaseWithMetrics) record(
	ctx context.Context,
	operation string,
	start time.Time,
	err error,
) {
	status := "success"
	if err != nil {
		status = "error"
	}

	t.metrics.RecordOperation(ctx, "transactions", operation, status)
	t.metrics.RecordDuration(ctx, "transactions", operation, time.Since(start), status)
}

// Create records metrics for transaction creation.
func (t *transactionUseCaseWithMetrics) Create(
	ctx context.Context,
	input domain.NewTransactionInput,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.Create(ctx, input)
	t.record(ctx, "transaction_create", start, err)
	return result, err
}

// Get records metrics for transaction retrieval.
func (t *transactionUseCaseWithMetrics) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.Get(ctx, id)
	t.record(ctx, "transaction_get", start, err)
	return result, err
}

// GetByExternalID records metrics for retrieval by external id.
func (t *transactionUseCaseWithMetrics) GetByExternalID(
	ctx context.Context,
	externalID string,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.GetByExternalID(ctx, externalID)
	t.record(ctx, "transaction_get_external", start, err)
	return result, err
}

// ListByAccount records metrics for account listings.
func (t *transactionUseCaseWithMetrics) ListByAccount(
	ctx context.Context,
	accountID string,
	limit, offset int,
) ([]*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.ListByAccount(ctx, accountID, limit, offset)
	t.record(ctx, "transaction_list", start, err)
	return result, err
}

// FraudCheck records metrics for fraud checks.
func (t *transactionUseCaseWithMetrics) FraudCheck(
	ctx context.Context,
	id uuid.UUID,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.FraudCheck(ctx, id)
	t.record(ctx, "transaction_fraud_check", start, err)
	return result, err
}

// EnqueueProcessing records metrics for processing enqueues.
func (t *transactionUseCaseWithMetrics) EnqueueProcessing(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := t.next.EnqueueProcessing(ctx, id)
	t.record(ctx, "transaction_enqueue_processing", start, err)
	return err
}

// Process records metrics for payment processing.
func (t *transactionUseCaseWithMetrics) Process(
	ctx context.Context,
	id uuid.UUID,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.Process(ctx, id)
	t.record(ctx, "transaction_process", start, err)
	return result, err
}

// Retry records metrics for single retries.
func (t *transactionUseCaseWithMetrics) Retry(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := t.next.Retry(ctx, id)
	t.record(ctx, "transaction_retry", start, err)
	return err
}

// Reverse records metrics for reversals.
func (t *transactionUseCaseWithMetrics) Reverse(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.Reverse(ctx, id, reason)
	t.record(ctx, "transaction_reverse", start, err)
	return result, err
}

// Reject records metrics for manual rejections.
func (t *transactionUseCaseWithMetrics) Reject(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	start := time.Now()
	result, err := t.next.Reject(ctx, id, reason)
	t.record(ctx, "transaction_reject", start, err)
	return result, err
}

// RetryFailed records metrics for retry sweeps.
func (t *transactionUseCaseWithMetrics) RetryFailed(ctx context.Context, limit int) (RetryResult, error) {
	start := time.Now()
	result, err := t.next.RetryFailed(ctx, limit)
	t.record(ctx, "transaction_retry_sweep", start, err)
	return result, err
}

// Statistics records metrics for statistics queries.
func (t *transactionUseCaseWithMetrics) Statistics(
	ctx context.Context,
	from,
	to *time.Time,
) (*domain.Statistics, error) {
	start := time.Now()
	result, err := t.next.Statistics(ctx, from, to)
	t.record(ctx, "transaction_statistics", start, err)
	return result, err
}
