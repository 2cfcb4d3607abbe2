// Package usecase implements the transactional outbox: writing domain events alongside state
// changes, relaying pending rows to the broker and reading them back for replay.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/allisson/txpipeline/internal/database"
	"github.com/allisson/txpipeline/internal/outbox/domain"
)

// Config controls the relay loop. MaxRetries of zero retries forever.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// OutboxEventRepository persists outbox rows.
type OutboxEventRepository interface {
	Create(ctx context.Context, event *domain.OutboxEvent) error
	GetPendingEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	ListEvents(ctx context.Context, from, to time.Time, eventTypes []string) ([]*domain.OutboxEvent, error)
	Update(ctx context.Context, event *domain.OutboxEvent) error
}

// EventProcessor delivers one outbox event.
type EventProcessor interface {
	Process(ctx context.Context, event *domain.OutboxEvent) error
}

// RelayStats counts the outcome of one relay batch.
type RelayStats struct {
	Delivered int
	Retrying  int
	Parked    int
}

// Total is the number of rows the batch looked at.
func (s RelayStats) Total() int {
	return s.Delivered + s.Retrying + s.Parked
}

// Relay forwards pending outbox rows through an EventProcessor.
type Relay struct {
	config    Config
	txManager database.TxManager
	repo      OutboxEventRepository
	processor EventProcessor
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a Relay delivering rows through processor. A nil logger discards logs.
func NewRelay(
	config Config,
	txManager database.TxManager,
	repo OutboxEventRepository,
	processor EventProcessor,
	logger *slog.Logger,
) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		config:    config,
		txManager: txManager,
		repo:      repo,
		processor: processor,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start relays a batch every Interval until ctx is done. A failed batch is logged and the
// loop keeps going; it returns ctx.Err() on cancellation.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting outbox relay",
		slog.Duration("interval", r.config.Interval),
		slog.Int("batch_size", r.config.BatchSize),
		slog.Int("max_retries", r.config.MaxRetries),
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
		}

		stats, err := r.RelayBatch(ctx)
		if err != nil {
			r.logger.Error("outbox relay batch failed", slog.Any("error", err))
			continue
		}
		if stats.Total() > 0 {
			r.logger.Debug("outbox relay batch",
				slog.Int("delivered", stats.Delivered),
				slog.Int("retrying", stats.Retrying),
				slog.Int("parked", stats.Parked),
			)
		}
	}
}

// RelayBatch delivers up to BatchSize pending rows inside one database transaction, so the
// row locks taken by GetPendingEvents keep concurrent relays off the same rows. A delivery
// failure is recorded on the row and never aborts the batch; only storage errors do.
func (r *Relay) RelayBatch(ctx context.Context) (RelayStats, error) {
	var stats RelayStats

	err := r.txManager.WithTx(ctx, func(ctx context.Context) error {
		stats = RelayStats{}

		events, err := r.repo.GetPendingEvents(ctx, r.config.BatchSize)
		if err != nil {
			return err
		}

		for _, event := range events {
			r.deliver(ctx, event, &stats)
			if err := r.repo.Update(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})

	return stats, err
}

func (r *Relay) deliver(ctx context.Context, event *domain.OutboxEvent, stats *RelayStats) {
	err := r.processor.Process(ctx, event)
	if err == nil {
		event.MarkProcessed(r.now())
		stats.Delivered++
		return
	}

	parked := event.RecordFailure(err, r.config.MaxRetries)
	attrs := []any{
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", event.EventType),
		slog.Int("attempt", event.Retries),
		slog.Any("error", err),
	}
	if parked {
		stats.Parked++
		r.logger.Error("outbox event parked after final attempt", attrs...)
		return
	}
	stats.Retrying++
	r.logger.Warn("outbox event delivery failed", attrs...)
}
