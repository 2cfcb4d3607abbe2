// Package transport implements event publishers and consumer loops on top of message brokers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/event/domain"
	"github.com/allisson/txpipeline/internal/resilience"
)

const (
	headerEventType = "event-type"
	headerEventID   = "event-id"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader used by KafkaConsumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler handles a decoded event.
type EventHandler func(ctx context.Context, evt *domain.Event) error

// NewKafkaWriter creates a writer that routes each message to its own topic.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaReader creates a consumer-group reader over topics.
func NewKafkaReader(brokers []string, groupID string, topics []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
}

// KafkaPublisher publishes events to Kafka. The aggregate id is the message key so that
// events of one aggregate keep their order within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish writes evt to topic.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, evt *domain.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(evt.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(evt.EventType)},
			{Key: headerEventID, Value: []byte(evt.EventID.String())},
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, err.Error())
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer feeds Kafka messages to an EventHandler, committing offsets only after the
// handler succeeded. Transient handler failures are retried with backoff, blocking the
// partition; undecodable messages and business errors are logged and committed.
type KafkaConsumer struct {
	reader  MessageReader
	handler EventHandler
	retry   resilience.RetryPolicy
	logger  *slog.Logger
}

// NewKafkaConsumer creates a KafkaConsumer.
func NewKafkaConsumer(reader MessageReader, handler EventHandler, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KafkaConsumer{
		reader:  reader,
		handler: handler,
		retry:   redeliveryPolicy(logger),
		logger:  logger,
	}
}

// redeliveryPolicy retries transient failures until the context is done.
func redeliveryPolicy(logger *slog.Logger) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: 1 << 30,
		Delay:       time.Second,
		Backoff:     resilience.BackoffExponential,
		MaxDelay:    30 * time.Second,
		IsRetryable: apperrors.IsTransient,
		OnRetry: func(attempt int, err error) {
			logger.Warn("redelivering event", slog.Int("attempt", attempt), slog.Any("error", err))
		},
	}
}

// Run consumes until ctx is done. It returns nil on cancellation.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("starting kafka event consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("stopping kafka event consumer")
				return nil
			}
			return apperrors.Wrap(apperrors.ErrUnavailable, err.Error())
		}

		consumeMessage(ctx, c.handler, c.retry, c.logger, msg.Value, msg.Topic)
		if ctx.Err() != nil {
			// The message is committed only once handled; it will be redelivered.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperrors.Wrap(apperrors.ErrUnavailable, err.Error())
		}
	}
}

// consumeMessage decodes and handles one message. Undecodable messages and non-retryable
// handler errors are dropped after logging.
func consumeMessage(
	ctx context.Context,
	handler EventHandler,
	retry resilience.RetryPolicy,
	logger *slog.Logger,
	value []byte,
	topic string,
) {
	evt, err := domain.Decode(value)
	if err != nil {
		logger.Error("dropping undecodable event", slog.String("topic", topic), slog.Any("error", err))
		return
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		return handler(ctx, evt)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("dropping event after non-retryable failure",
			slog.String("topic", topic),
			slog.String("event_id", evt.EventID.String()),
			slog.String("event_type", evt.EventType),
			slog.Any("error", err),
		)
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
