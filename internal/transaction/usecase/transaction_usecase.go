package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	antifraudDomain "github.com/allisson/txpipeline/internal/antifraud/domain"
	"github.com/allisson/txpipeline/internal/database"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// FraudAnalyzer scores a transaction.
type FraudAnalyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction) (antifraudDomain.Result, error)
}

// Config holds transaction use case configuration.
type Config struct {
	// ProcessingDelay delays the processing job enqueued after an approved fraud check.
	ProcessingDelay time.Duration
}

type transactionUseCase struct {
	config          Config
	txManager       database.TxManager
	repo            TransactionRepository
	events          EventPublisher
	fraudQueue      JobQueue[FraudCheckJob]
	processingQueue JobQueue[ProcessTransactionJob]
	antifraud       FraudAnalyzer
	gateway         PaymentGateway
	logger          *slog.Logger
	now             func() time.Time
}

// NewTransactionUseCase creates a TransactionUseCase. Every state change and the event it
// emits are written in one database transaction, so with an outbox publisher the event is
// stored only if the change commits.
func NewTransactionUseCase(
	config Config,
	txManager database.TxManager,
	repo TransactionRepository,
	events EventPublisher,
	fraudQueue JobQueue[FraudCheckJob],
	processingQueue JobQueue[ProcessTransactionJob],
	antifraud FraudAnalyzer,
	gateway PaymentGateway,
	logger *slog.Logger,
) TransactionUseCase {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &transactionUseCase{
		config:          config,
		txManager:       txManager,
		repo:            repo,
		events:          events,
		fraudQueue:      fraudQueue,
		processingQueue: processingQueue,
		antifraud:       antifraud,
		gateway:         gateway,
		logger:          logger,
		now:             time.Now,
	}
}

// Create persists a new PENDING transaction, emits TransactionCreated and enqueues its fraud
// check. A known idempotency key returns the existing transaction without side effects.
func (uc *transactionUseCase) Create(
	ctx context.Context,
	input domain.NewTransactionInput,
) (*domain.Transaction, error) {
	if input.IdempotencyKey != nil {
		existing, err := uc.repo.GetByIdempotencyKey(ctx, *input.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !apperrors.Is(err, domain.ErrTransactionNotFound) {
			return nil, err
		}
	}

	tx, err := domain.NewTransaction(input, uc.now())
	if err != nil {
		return nil, err
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := uc.repo.Create(ctx, tx); err != nil {
			return err
		}
		return uc.publish(ctx, EventTransactionCreated, tx, newTransactionEvent(tx))
	})
	if err != nil {
		// A concurrent request with the same key won the insert.
		if input.IdempotencyKey != nil && apperrors.Is(err, domain.ErrDuplicateTransaction) {
			if existing, getErr := uc.repo.GetByIdempotencyKey(ctx, *input.IdempotencyKey); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if _, err := uc.fraudQueue.AddJob(ctx, FraudCheckJob{TransactionID: tx.ID}); err != nil {
		return nil, apperrors.Wrapf(err, "enqueue fraud check for transaction %s", tx.ID)
	}

	uc.logger.Info("transaction created",
		slog.String("transaction_id", tx.ID.String()),
		slog.String("external_id", tx.ExternalID),
		slog.String("amount", tx.Amount.String()),
	)
	return tx, nil
}

// Get returns a transaction by id.
func (uc *transactionUseCase) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return uc.repo.GetByID(ctx, id)
}

// GetByExternalID returns a transaction by its client correlation id.
func (uc *transactionUseCase) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return uc.repo.GetByExternalID(ctx, externalID)
}

// ListByAccount returns transactions where accountID is source or target, newest first.
func (uc *transactionUseCase) ListByAccount(
	ctx context.Context,
	accountID string,
	limit, offset int,
) ([]*domain.Transaction, error) {
	return uc.repo.ListByAccount(ctx, accountID, limit, offset)
}

// FraudCheck scores the transaction, records the decision and emits FraudCheckCompleted.
// Approved transactions are enqueued for processing; rejected ones are failed. A transaction
// that was already checked is not scored again, but is enqueued once more while it is still
// approved and PENDING, since the enqueue after the first check may have failed.
func (uc *transactionUseCase) FraudCheck(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.AntifraudStatus != "" {
		uc.logger.Debug("fraud check already recorded", slog.String("transaction_id", id.String()))
		if tx.IsFraudApproved() && tx.CanProcess() {
			if err := uc.enqueueProcessing(ctx, tx, uc.config.ProcessingDelay); err != nil {
				return nil, err
			}
		}
		return tx, nil
	}

	result, err := uc.antifraud.Analyze(ctx, tx)
	if err != nil {
		return nil, err
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := tx.RecordFraudCheck(result.Score, result.Approved, result.Reason(), uc.now()); err != nil {
			return err
		}
		if err := uc.repo.Update(ctx, tx); err != nil {
			return err
		}
		return uc.publish(ctx, EventFraudCheckCompleted, tx, FraudCheckEvent{
			TransactionID: tx.ID.String(),
			Score:         result.Score,
			Approved:      result.Approved,
			Reasons:       result.Reasons,
		})
	})
	if err != nil {
		return nil, err
	}

	if !result.Approved {
		uc.logger.Warn("transaction rejected by fraud check",
			slog.String("transaction_id", tx.ID.String()),
			slog.Int("score", result.Score),
		)
		return tx, nil
	}

	if err := uc.enqueueProcessing(ctx, tx, uc.config.ProcessingDelay); err != nil {
		return nil, err
	}
	return tx, nil
}

// EnqueueProcessing enqueues a processing job for a fraud-approved transaction.
func (uc *transactionUseCase) EnqueueProcessing(ctx context.Context, id uuid.UUID) error {
	tx, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return uc.enqueueProcessing(ctx, tx, 0)
}

func (uc *transactionUseCase) enqueueProcessing(ctx context.Context, tx *domain.Transaction, delay time.Duration) error {
	if !tx.IsFraudApproved() {
		return domain.ErrNotFraudApproved
	}

	var opts []queue.JobOption
	if delay > 0 {
		opts = append(opts, queue.WithDelay(delay))
	}
	if _, err := uc.processingQueue.AddJob(ctx, ProcessTransactionJob{TransactionID: tx.ID}, opts...); err != nil {
		return apperrors.Wrapf(err, "enqueue processing for transaction %s", tx.ID)
	}
	return nil
}

// Process executes the payment of a fraud-approved PENDING transaction. A gateway error is
// returned marked queue.Permanent once the transaction was failed: another attempt of the
// same job would only find a FAILED transaction, and re-driving it is up to Retry.
func (uc *transactionUseCase) Process(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsFraudApproved() {
		return nil, domain.ErrNotFraudApproved
	}
	if !tx.CanProcess() {
		return nil, apperrors.Wrapf(domain.ErrInvalidTransition, "transaction %s is %s", tx.ID, tx.Status)
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := tx.StartProcessing(uc.now()); err != nil {
			return err
		}
		if err := uc.repo.Update(ctx, tx); err != nil {
			return err
		}
		return uc.publish(ctx, EventTransactionProcessing, tx, newTransactionEvent(tx))
	})
	if err != nil {
		return nil, err
	}

	if payErr := uc.gateway.Execute(ctx, tx); payErr != nil {
		// The job context may be cancelled; the failure must still be recorded.
		recordCtx := context.WithoutCancel(ctx)
		err := uc.txManager.WithTx(recordCtx, func(ctx context.Context) error {
			tx.Fail(payErr.Error(), uc.now())
			if err := uc.repo.Update(ctx, tx); err != nil {
				return err
			}
			return uc.publish(ctx, EventTransactionFailed, tx, newTransactionEvent(tx))
		})
		if err != nil {
			uc.logger.Error("failed to record payment failure",
				slog.String("transaction_id", tx.ID.String()),
				slog.Any("error", err),
			)
		}
		uc.logger.Warn("transaction payment failed",
			slog.String("transaction_id", tx.ID.String()),
			slog.Any("error", payErr),
		)
		return nil, queue.Permanent(payErr)
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := tx.Complete(uc.now()); err != nil {
			return err
		}
		if err := uc.repo.Update(ctx, tx); err != nil {
			return err
		}
		return uc.publish(ctx, EventTransactionCompleted, tx, newTransactionEvent(tx))
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("transaction completed", slog.String("transaction_id", tx.ID.String()))
	return tx, nil
}

// Retry puts a failed transaction back into the processing queue, spending one retry. A
// PENDING approved transaction is simply re-enqueued.
func (uc *transactionUseCase) Retry(ctx context.Context, id uuid.UUID) error {
	tx, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return uc.retry(ctx, tx)
}

func (uc *transactionUseCase) retry(ctx context.Context, tx *domain.Transaction) error {
	if tx.Status == domain.StatusFailed {
		err := uc.txManager.WithTx(ctx, func(ctx context.Context) error {
			if err := tx.PrepareRetry(uc.now()); err != nil {
				return err
			}
			if err := uc.repo.Update(ctx, tx); err != nil {
				return err
			}
			return uc.publish(ctx, EventTransactionRetried, tx, newTransactionEvent(tx))
		})
		if err != nil {
			return err
		}
	} else if !tx.CanProcess() {
		return apperrors.Wrapf(domain.ErrCannotRetry, "transaction %s is %s", tx.ID, tx.Status)
	}

	return uc.enqueueProcessing(ctx, tx, 0)
}

// Reverse creates the compensating transaction of a COMPLETED transaction, marks the
// original REVERSED and enqueues the compensation for processing.
func (uc *transactionUseCase) Reverse(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	original, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	reversal, err := original.NewReversal(reason, now)
	if err != nil {
		return nil, err
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := uc.repo.Create(ctx, reversal); err != nil {
			return err
		}
		if err := original.MarkReversed(reversal.ID, now); err != nil {
			return err
		}
		if err := uc.repo.Update(ctx, original); err != nil {
			return err
		}
		if err := uc.publish(ctx, EventTransactionCreated, reversal, newTransactionEvent(reversal)); err != nil {
			return err
		}
		return uc.publish(ctx, EventTransactionReversed, original, ReversalEvent{
			TransactionID:         original.ID.String(),
			ReversalTransactionID: reversal.ID.String(),
			Reason:                reason,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := uc.enqueueProcessing(ctx, reversal, 0); err != nil {
		return nil, err
	}

	uc.logger.Info("transaction reversed",
		slog.String("transaction_id", original.ID.String()),
		slog.String("reversal_transaction_id", reversal.ID.String()),
	)
	return reversal, nil
}

// Reject marks a transaction REJECTED by manual fraud review.
func (uc *transactionUseCase) Reject(
	ctx context.Context,
	id uuid.UUID,
	reason string,
) (*domain.Transaction, error) {
	tx, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	err = uc.txManager.WithTx(ctx, func(ctx context.Context) error {
		tx.Reject(reason, uc.now())
		if err := uc.repo.Update(ctx, tx); err != nil {
			return err
		}
		return uc.publish(ctx, EventTransactionRejected, tx, newTransactionEvent(tx))
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// RetryFailed re-enqueues up to limit failed transactions that still have retries left.
// Candidates rejected by the fraud check or losing a concurrent update are skipped.
func (uc *transactionUseCase) RetryFailed(ctx context.Context, limit int) (RetryResult, error) {
	candidates, err := uc.repo.ListFailedForRetry(ctx, limit)
	if err != nil {
		return RetryResult{}, err
	}

	result := RetryResult{Considered: len(candidates)}
	for _, tx := range candidates {
		if !tx.CanRetry() {
			continue
		}
		if err := uc.retry(ctx, tx); err != nil {
			if !apperrors.IsBusiness(err) {
				return result, err
			}
			uc.logger.Warn("skipping transaction retry",
				slog.String("transaction_id", tx.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		result.Enqueued++
	}

	uc.logger.Info("retry sweep finished",
		slog.Int("considered", result.Considered),
		slog.Int("enqueued", result.Enqueued),
	)
	return result, nil
}

// Statistics aggregates counts and amounts by status over the optional creation range.
func (uc *transactionUseCase) Statistics(ctx context.Context, from, to *time.Time) (*domain.Statistics, error) {
	totals, err := uc.repo.TotalsByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &domain.Statistics{
		From:     from,
		To:       to,
		ByStatus: make(map[domain.Status]domain.StatusTotals, len(domain.Statuses)),
	}
	for _, status := range domain.Statuses {
		t := totals[status]
		stats.ByStatus[status] = t
		stats.Total.Count += t.Count
		stats.Total.Amount = stats.Total.Amount.Add(t.Amount)
	}
	return stats, nil
}

func (uc *transactionUseCase) publish(ctx context.Context, eventType string, tx *domain.Transaction, payload any) error {
	_, err := uc.events.Publish(ctx, eventType, tx.ID.String(), payload, map[string]any{
		"externalId": tx.ExternalID,
		"status":     string(tx.Status),
	})
	return err
}
