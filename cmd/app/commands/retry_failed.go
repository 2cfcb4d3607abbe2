package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// RunRetryFailed runs one retry sweep: FAILED transactions with retries left are moved back
// to PENDING and enqueued for processing.
func RunRetryFailed(
	ctx context.Context,
	transactions transactionUseCase.TransactionUseCase,
	logger *slog.Logger,
	writer io.Writer,
	limit int,
	format string,
) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be a positive number, got: %d", limit)
	}

	result, err := transactions.RetryFailed(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to retry failed transactions: %w", err)
	}

	logger.Info("retry sweep completed",
		slog.Int("considered", result.Considered),
		slog.Int("enqueued", result.Enqueued),
	)

	if format == "json" {
		return writeJSON(writer, result)
	}

	_, _ = fmt.Fprintf(writer, "Considered %d failed transaction(s), enqueued %d for retry\n",
		result.Considered, result.Enqueued)
	return nil
}
