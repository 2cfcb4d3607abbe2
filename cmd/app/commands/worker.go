package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allisson/txpipeline/internal/app"
	"github.com/allisson/txpipeline/internal/config"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// RunWorker consumes the job queues and runs the background loops: DLQ sweep, retry sweep,
// outbox relay and broker consumers. Blocks until SIGINT/SIGTERM or a fatal error.
func RunWorker(ctx context.Context, version string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	container := app.NewContainer(cfg)

	logger := container.Logger()
	logger.Info("starting worker", slog.String("version", version))

	defer closeContainer(container, logger)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runWorkers(ctx, container)
}

// runWorkers starts every background component of the container and waits for them. The
// first failure cancels the others.
func runWorkers(ctx context.Context, container *app.Container) error {
	cfg := container.Config()
	logger := container.Logger()

	fraudCheck, err := container.FraudCheckPipeline()
	if err != nil {
		return fmt.Errorf("failed to initialize fraud-check pipeline: %w", err)
	}
	processing, err := container.ProcessingPipeline()
	if err != nil {
		return fmt.Errorf("failed to initialize processing pipeline: %w", err)
	}
	dlq, err := container.DeadLetterQueue()
	if err != nil {
		return fmt.Errorf("failed to initialize dead letter queue: %w", err)
	}
	transactions, err := container.TransactionUseCase()
	if err != nil {
		return fmt.Errorf("failed to initialize transaction use case: %w", err)
	}
	relay, err := container.OutboxRelay()
	if err != nil {
		return fmt.Errorf("failed to initialize outbox relay: %w", err)
	}
	consumers, err := container.EventConsumers()
	if err != nil {
		return fmt.Errorf("failed to initialize event consumers: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(fraudCheck.Start(ctx)) })
	g.Go(func() error { return ignoreCanceled(processing.Start(ctx)) })

	if dlq != nil {
		queues := []string{transactionUseCase.QueueFraudCheck, transactionUseCase.QueueTransactionProcessing}
		g.Go(func() error {
			every(ctx, cfg.DLQSweepInterval, func() {
				for _, queue := range queues {
					result, err := dlq.ProcessMessages(ctx, queue)
					if err != nil {
						logger.Error("dlq sweep failed", slog.String("queue", queue), slog.Any("error", err))
						continue
					}
					logger.Info("dlq sweep completed",
						slog.String("queue", queue),
						slog.Int("retried", result.Retried),
						slog.Int("failed", result.Failed),
						slog.Int("expired", result.Expired),
						slog.Int("permanent", result.Permanent),
					)
				}
			})
			return nil
		})
	}

	g.Go(func() error {
		every(ctx, cfg.RetrySweepInterval, func() {
			result, err := transactions.RetryFailed(ctx, cfg.RetrySweepBatchSize)
			if err != nil {
				logger.Error("retry sweep failed", slog.Any("error", err))
				return
			}
			logger.Info("retry sweep completed",
				slog.Int("considered", result.Considered),
				slog.Int("enqueued", result.Enqueued),
			)
		})
		return nil
	})

	if relay != nil {
		g.Go(func() error { return ignoreCanceled(relay.Start(ctx)) })
	}

	for _, consumer := range consumers {
		g.Go(func() error { return ignoreCanceled(consumer.Run(ctx)) })
	}

	return g.Wait()
}

// every calls fn each interval until ctx is done. A non-positive interval disables the loop.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
