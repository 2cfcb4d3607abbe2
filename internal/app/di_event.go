package app

import (
	"context"
	"fmt"
	"log/slog"

	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/allisson/txpipeline/internal/config"
	"github.com/allisson/txpipeline/internal/database"
	eventDomain "github.com/allisson/txpipeline/internal/event/domain"
	eventTransport "github.com/allisson/txpipeline/internal/event/transport"
	eventUseCase "github.com/allisson/txpipeline/internal/event/usecase"
	"github.com/allisson/txpipeline/internal/metrics"
	outboxRepository "github.com/allisson/txpipeline/internal/outbox/repository"
	outboxUseCase "github.com/allisson/txpipeline/internal/outbox/usecase"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// OutboxRepository returns the outbox event repository for the configured database driver.
func (c *Container) OutboxRepository() (outboxUseCase.OutboxEventRepository, error) {
	return lazy(c, &c.outboxRepositoryInit, "outboxRepository", &c.outboxRepository, c.initOutboxRepository)
}

// BrokerPublisher returns the Kafka or gocloud publisher, or nil when EVENT_TRANSPORT is none.
func (c *Container) BrokerPublisher() (eventUseCase.Publisher, error) {
	return lazy(c, &c.brokerPublisherInit, "brokerPublisher", &c.brokerPublisher, c.initBrokerPublisher)
}

// EventBus returns the event bus used by the transaction use case.
func (c *Container) EventBus() (*eventUseCase.Bus, error) {
	return lazy(c, &c.eventBusInit, "eventBus", &c.eventBus, c.initEventBus)
}

// OutboxRelay returns the relay forwarding stored events, or nil in direct delivery mode.
func (c *Container) OutboxRelay() (*outboxUseCase.Relay, error) {
	return lazy(c, &c.outboxRelayInit, "outboxRelay", &c.outboxRelay, c.initOutboxRelay)
}

// EventConsumers returns the broker consumers feeding the event bus. It is empty when
// EVENT_TRANSPORT is none.
func (c *Container) EventConsumers() ([]EventConsumer, error) {
	return lazy(c, &c.eventConsumersInit, "eventConsumers", &c.eventConsumers, c.initEventConsumers)
}

func (c *Container) initOutboxRepository() (outboxUseCase.OutboxEventRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for outbox repository: %w", err)
	}

	dialect, err := database.Dialect(c.config.DBDriver)
	if err != nil {
		return nil, err
	}
	if dialect == database.DialectMySQL {
		return outboxRepository.NewMySQLOutboxEventRepository(db), nil
	}
	return outboxRepository.NewPostgreSQLOutboxEventRepository(db), nil
}

func (c *Container) initBrokerPublisher() (eventUseCase.Publisher, error) {
	switch c.config.EventTransport {
	case config.EventTransportKafka:
		return eventTransport.NewKafkaPublisher(eventTransport.NewKafkaWriter(c.config.KafkaBrokerList())), nil
	case config.EventTransportGoCloud:
		return eventTransport.NewGoCloudPublisher(c.config.EventTopicURLPrefix), nil
	case config.EventTransportNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported event transport: %s", c.config.EventTransport)
	}
}

func (c *Container) initEventBus() (*eventUseCase.Bus, error) {
	logger := c.Logger()

	broker, err := c.BrokerPublisher()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker publisher for event bus: %w", err)
	}

	busConfig := eventUseCase.Config{
		AggregateType:  transactionUseCase.AggregateTransaction,
		Idempotency:    c.config.EventIdempotency,
		PreserveOrder:  c.config.EventPreserveOrder,
		MaxRetries:     c.config.EventHandlerMaxRetries,
		RetryDelay:     c.config.EventHandlerRetryDelay,
		HandlerTimeout: c.config.EventHandlerTimeout,
	}

	var bus *eventUseCase.Bus
	switch c.config.EventDelivery {
	case config.EventDeliveryOutbox:
		outboxRepo, err := c.OutboxRepository()
		if err != nil {
			return nil, fmt.Errorf("failed to get outbox repository for event bus: %w", err)
		}
		// The outbox is both where events are written and the log replays read from, so
		// replays go straight to the broker (or to the local handlers without one).
		outboxPublisher := outboxUseCase.NewOutboxPublisher(outboxRepo)
		bus = eventUseCase.NewBus(busConfig, outboxPublisher, outboxPublisher, logger)
		bus.SetReplayPublisher(broker)
	case config.EventDeliveryDirect:
		bus = eventUseCase.NewBus(busConfig, broker, nil, logger)
	default:
		return nil, fmt.Errorf("unsupported event delivery mode: %s", c.config.EventDelivery)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for event bus: %w", err)
	}
	registerEventObservers(bus, businessMetrics, logger)

	return bus, nil
}

// registerEventObservers counts every transaction event reaching this process.
func registerEventObservers(bus *eventUseCase.Bus, businessMetrics metrics.BusinessMetrics, logger *slog.Logger) {
	for _, eventType := range transactionUseCase.EventTypes {
		bus.On(eventType, func(ctx context.Context, evt *eventDomain.Event) error {
			businessMetrics.RecordOperation(ctx, "event", evt.EventType, "handled")
			logger.Debug("event handled",
				slog.String("event_id", evt.EventID.String()),
				slog.String("event_type", evt.EventType),
				slog.String("aggregate_id", evt.AggregateID),
			)
			return nil
		})
	}
}

// localDelivery hands relayed events to the bus handlers when no broker is configured.
type localDelivery struct {
	bus *eventUseCase.Bus
}

func (d localDelivery) Publish(ctx context.Context, _ string, evt *eventDomain.Event) error {
	return d.bus.Handle(ctx, evt)
}

func (c *Container) initOutboxRelay() (*outboxUseCase.Relay, error) {
	if c.config.EventDelivery != config.EventDeliveryOutbox {
		return nil, nil
	}

	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for outbox relay: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for outbox relay: %w", err)
	}

	broker, err := c.BrokerPublisher()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker publisher for outbox relay: %w", err)
	}
	if broker == nil {
		bus, err := c.EventBus()
		if err != nil {
			return nil, fmt.Errorf("failed to get event bus for outbox relay: %w", err)
		}
		broker = localDelivery{bus: bus}
	}

	relayConfig := outboxUseCase.Config{
		Interval:   c.config.OutboxInterval,
		BatchSize:  c.config.OutboxBatchSize,
		MaxRetries: c.config.OutboxMaxRetries,
	}

	logger := c.Logger()
	processor := outboxUseCase.NewRelayEventProcessor(broker, logger)
	return outboxUseCase.NewRelay(relayConfig, txManager, outboxRepo, processor, logger), nil
}

func eventTopics() []string {
	topics := make([]string, 0, len(transactionUseCase.EventTypes))
	for _, eventType := range transactionUseCase.EventTypes {
		topics = append(topics, eventDomain.TopicName(eventType))
	}
	return topics
}

func (c *Container) initEventConsumers() ([]EventConsumer, error) {
	logger := c.Logger()

	bus, err := c.EventBus()
	if err != nil {
		return nil, fmt.Errorf("failed to get event bus for event consumers: %w", err)
	}

	switch c.config.EventTransport {
	case config.EventTransportKafka:
		reader := eventTransport.NewKafkaReader(c.config.KafkaBrokerList(), c.config.KafkaGroupID, eventTopics())
		return []EventConsumer{eventTransport.NewKafkaConsumer(reader, bus.Handle, logger)}, nil
	case config.EventTransportGoCloud:
		broker, err := c.BrokerPublisher()
		if err != nil {
			return nil, fmt.Errorf("failed to get broker publisher for event consumers: %w", err)
		}
		ctx := context.Background()
		if publisher, ok := broker.(*eventTransport.GoCloudPublisher); ok {
			if err := publisher.OpenTopics(ctx, eventTopics()...); err != nil {
				return nil, err
			}
		}

		consumers := make([]EventConsumer, 0, len(transactionUseCase.EventTypes))
		for _, topic := range eventTopics() {
			sub, err := eventTransport.OpenGoCloudSubscription(ctx, c.config.EventTopicURLPrefix+topic)
			if err != nil {
				return nil, err
			}
			consumers = append(consumers, eventTransport.NewGoCloudConsumer(sub, bus.Handle, logger))
		}
		return consumers, nil
	default:
		return nil, nil
	}
}
