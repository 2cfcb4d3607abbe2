package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"

	dlqDomain "github.com/allisson/txpipeline/internal/dlq/domain"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
)

// RunDLQStats prints dead-letter statistics per queue. An empty queue reports every queue.
func RunDLQStats(
	ctx context.Context,
	dlq dlqUseCase.UseCase,
	logger *slog.Logger,
	writer io.Writer,
	queue string,
	format string,
) error {
	stats, err := dlq.Stats(ctx, queue)
	if err != nil {
		return fmt.Errorf("failed to get dlq stats: %w", err)
	}

	logger.Info("dlq stats collected", slog.Int("queues", len(stats)))

	if format == "json" {
		return writeJSON(writer, stats)
	}

	if len(stats) == 0 {
		_, _ = fmt.Fprintln(writer, "Dead letter queue is empty")
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(stats)) {
		s := stats[name]
		_, _ = fmt.Fprintf(writer, "Queue: %s\n", name)
		_, _ = fmt.Fprintf(writer, "  Total:            %d\n", s.Total)
		_, _ = fmt.Fprintf(writer, "  Permanent:        %d\n", s.Permanent)
		_, _ = fmt.Fprintf(writer, "  Average attempts: %.2f\n", s.AverageAttempts)
		if s.OldestMessage != nil {
			_, _ = fmt.Fprintf(writer, "  Oldest message:   %s\n", s.OldestMessage.Format("2006-01-02 15:04:05"))
		}
		for _, errorType := range slices.Sorted(maps.Keys(s.ByError)) {
			_, _ = fmt.Fprintf(writer, "  %s: %d\n", errorType, s.ByError[errorType])
		}
	}
	return nil
}

// RunDLQProcess runs one DLQ sweep on each queue: due messages are retried, expired ones
// dropped and exhausted ones marked permanent.
func RunDLQProcess(
	ctx context.Context,
	dlq dlqUseCase.UseCase,
	logger *slog.Logger,
	writer io.Writer,
	queues []string,
	format string,
) error {
	results := make(map[string]*dlqDomain.ProcessResult, len(queues))
	for _, queue := range queues {
		result, err := dlq.ProcessMessages(ctx, queue)
		if err != nil {
			return fmt.Errorf("failed to process dlq %s: %w", queue, err)
		}
		results[queue] = result

		logger.Info("dlq processed",
			slog.String("queue", queue),
			slog.Int("retried", result.Retried),
			slog.Int("failed", result.Failed),
			slog.Int("expired", result.Expired),
			slog.Int("permanent", result.Permanent),
		)
	}

	if format == "json" {
		return writeJSON(writer, results)
	}

	for _, queue := range queues {
		r := results[queue]
		_, _ = fmt.Fprintf(writer, "%s: retried=%d failed=%d expired=%d permanent=%d\n",
			queue, r.Retried, r.Failed, r.Expired, r.Permanent)
	}
	return nil
}

// RunDLQReplay re-drives one dead-lettered message on its origin queue and removes it.
func RunDLQReplay(
	ctx context.Context,
	dlq dlqUseCase.UseCase,
	logger *slog.Logger,
	writer io.Writer,
	queue string,
	messageID string,
	format string,
) error {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}

	if err := dlq.Replay(ctx, queue, id); err != nil {
		return fmt.Errorf("failed to replay dlq message: %w", err)
	}

	logger.Info("dlq message replayed", slog.String("queue", queue), slog.String("id", id.String()))

	if format == "json" {
		return writeJSON(writer, map[string]any{
			"queue":    queue,
			"id":       id.String(),
			"replayed": true,
		})
	}

	_, _ = fmt.Fprintf(writer, "Message %s replayed on queue %s\n", id, queue)
	return nil
}
