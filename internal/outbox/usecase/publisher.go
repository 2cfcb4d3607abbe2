package usecase

import (
	"context"
	"log/slog"
	"time"

	eventDomain "github.com/allisson/txpipeline/internal/event/domain"
	"github.com/allisson/txpipeline/internal/outbox/domain"
)

// EventPublisher emits a domain event to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt *eventDomain.Event) error
}

// OutboxPublisher stores events as pending outbox rows instead of emitting them. When ctx
// carries a database transaction the row commits or rolls back with the caller's changes.
type OutboxPublisher struct {
	outboxRepo OutboxEventRepository
}

// NewOutboxPublisher creates an OutboxPublisher
func NewOutboxPublisher(outboxRepo OutboxEventRepository) *OutboxPublisher {
	return &OutboxPublisher{outboxRepo: outboxRepo}
}

// Publish stores evt for later delivery to topic
func (p *OutboxPublisher) Publish(ctx context.Context, topic string, evt *eventDomain.Event) error {
	row, err := domain.FromEvent(topic, evt)
	if err != nil {
		return err
	}
	return p.outboxRepo.Create(ctx, row)
}

// Replay returns the stored events created in [from, to], optionally filtered by type, in
// creation order. Rows whose payload cannot be decoded are skipped.
func (p *OutboxPublisher) Replay(
	ctx context.Context,
	from, to time.Time,
	eventTypes []string,
) ([]*eventDomain.Event, error) {
	rows, err := p.outboxRepo.ListEvents(ctx, from, to, eventTypes)
	if err != nil {
		return nil, err
	}

	events := make([]*eventDomain.Event, 0, len(rows))
	for _, row := range rows {
		evt, err := row.Event()
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// RelayEventProcessor forwards outbox rows to an EventPublisher
type RelayEventProcessor struct {
	publisher EventPublisher
	logger    *slog.Logger
}

// NewRelayEventProcessor creates a RelayEventProcessor
func NewRelayEventProcessor(publisher EventPublisher, logger *slog.Logger) *RelayEventProcessor {
	return &RelayEventProcessor{
		publisher: publisher,
		logger:    logger,
	}
}

// Process decodes the stored envelope and publishes it to the row's topic
func (p *RelayEventProcessor) Process(ctx context.Context, event *domain.OutboxEvent) error {
	evt, err := event.Event()
	if err != nil {
		return err
	}

	topic := event.Topic
	if topic == "" {
		topic = evt.Topic()
	}

	if err := p.publisher.Publish(ctx, topic, evt); err != nil {
		return err
	}

	if p.logger != nil {
		p.logger.Debug("outbox event relayed",
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", event.EventType),
			slog.String("topic", topic),
		)
	}
	return nil
}
