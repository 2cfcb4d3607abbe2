package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/allisson/txpipeline/internal/transaction/http/dto"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// RunStatistics prints transaction counts and amounts per status, optionally limited to a
// creation-time range.
func RunStatistics(
	ctx context.Context,
	transactions transactionUseCase.TransactionUseCase,
	logger *slog.Logger,
	writer io.Writer,
	fromDate, toDate string,
	format string,
) error {
	from, err := parseOptionalDate(fromDate)
	if err != nil {
		return fmt.Errorf("invalid from date: %w", err)
	}
	to, err := parseOptionalDate(toDate)
	if err != nil {
		return fmt.Errorf("invalid to date: %w", err)
	}
	if from != nil && to != nil && !to.After(*from) {
		return fmt.Errorf("to date must be after from date")
	}

	stats, err := transactions.Statistics(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to get statistics: %w", err)
	}

	response := dto.MapStatisticsToResponse(stats)
	logger.Info("statistics collected", slog.Int64("total", response.Total.Count))

	if format == "json" {
		return writeJSON(writer, response)
	}

	_, _ = fmt.Fprintf(writer, "Transaction Statistics\n")
	_, _ = fmt.Fprintf(writer, "======================\n\n")
	for _, status := range slices.Sorted(maps.Keys(response.ByStatus)) {
		totals := response.ByStatus[status]
		_, _ = fmt.Fprintf(writer, "%-12s %6d  %s\n", status, totals.Count, totals.Amount)
	}
	_, _ = fmt.Fprintf(writer, "\n%-12s %6d  %s\n", "TOTAL", response.Total.Count, response.Total.Amount)
	return nil
}
