// Package usecase scores transactions for fraud.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/allisson/txpipeline/internal/antifraud/domain"
	transactionDomain "github.com/allisson/txpipeline/internal/transaction/domain"
)

// TransactionCounter counts the transactions sent from an account since a point in time.
type TransactionCounter interface {
	CountBySourceAccountSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

// UseCase defines the antifraud operations.
type UseCase interface {
	Analyze(ctx context.Context, tx *transactionDomain.Transaction) (domain.Result, error)
}

// AntifraudUseCase implements UseCase.
type AntifraudUseCase struct {
	rules   domain.Rules
	counter TransactionCounter
	logger  *slog.Logger
	now     func() time.Time
}

// NewAntifraudUseCase creates an AntifraudUseCase.
func NewAntifraudUseCase(rules domain.Rules, counter TransactionCounter, logger *slog.Logger) *AntifraudUseCase {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AntifraudUseCase{
		rules:   rules,
		counter: counter,
		logger:  logger,
		now:     time.Now,
	}
}

// Analyze scores tx at the current time. The velocity count includes tx itself once it
// has been persisted.
func (uc *AntifraudUseCase) Analyze(
	ctx context.Context,
	tx *transactionDomain.Transaction,
) (domain.Result, error) {
	now := uc.now().UTC()

	recent, err := uc.counter.CountBySourceAccountSince(ctx, tx.SourceAccountID, now.Add(-uc.rules.VelocityWindow))
	if err != nil {
		return domain.Result{}, err
	}

	result := domain.Evaluate(uc.rules, domain.Input{
		Amount:          tx.Amount,
		SourceAccountID: tx.SourceAccountID,
		TargetAccountID: tx.TargetAccountID,
		RecentCount:     recent,
		At:              now,
	})

	uc.logger.Info("fraud check completed",
		slog.String("transaction_id", tx.ID.String()),
		slog.Int("score", result.Score),
		slog.Bool("approved", result.Approved),
		slog.Any("reasons", result.Reasons),
	)
	return result, nil
}
