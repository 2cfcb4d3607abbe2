package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"gocloud.dev/pubsub"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/event/domain"
	"github.com/allisson/txpipeline/internal/resilience"
)

const metadataAggregateID = "aggregate-id"

// GoCloudPublisher publishes events through gocloud.dev/pubsub. Topics are opened lazily
// from urlPrefix+topic (for example mem://transaction.created or kafka://...).
type GoCloudPublisher struct {
	urlPrefix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGoCloudPublisher creates a GoCloudPublisher.
func NewGoCloudPublisher(urlPrefix string) *GoCloudPublisher {
	return &GoCloudPublisher{
		urlPrefix: urlPrefix,
		topics:    make(map[string]*pubsub.Topic),
	}
}

func (p *GoCloudPublisher) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := pubsub.OpenTopic(ctx, p.urlPrefix+name)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrUnavailable, "open topic %s: %v", name, err)
	}
	p.topics[name] = t
	return t, nil
}

// OpenTopics opens the named topics ahead of the first Publish. In-memory subscriptions can
// only be opened on existing topics.
func (p *GoCloudPublisher) OpenTopics(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := p.topic(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends evt to topic.
func (p *GoCloudPublisher) Publish(ctx context.Context, topic string, evt *domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	t, err := p.topic(ctx, topic)
	if err != nil {
		return err
	}

	err = t.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			headerEventType:     evt.EventType,
			headerEventID:       evt.EventID.String(),
			metadataAggregateID: evt.AggregateID,
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, err.Error())
	}
	return nil
}

// Close shuts down every opened topic.
func (p *GoCloudPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, t := range p.topics {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, apperrors.Wrapf(err, "shutdown topic %s", name))
		}
		delete(p.topics, name)
	}
	return errors.Join(errs...)
}

// GoCloudConsumer feeds messages of a gocloud subscription to an EventHandler. Messages are
// acked once handled; on shutdown an unhandled message is nacked when the driver supports it.
type GoCloudConsumer struct {
	subscription *pubsub.Subscription
	handler      EventHandler
	retry        resilience.RetryPolicy
	logger       *slog.Logger
}

// OpenGoCloudSubscription opens the subscription at url.
func OpenGoCloudSubscription(ctx context.Context, url string) (*pubsub.Subscription, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrUnavailable, "open subscription %s: %v", url, err)
	}
	return sub, nil
}

// NewGoCloudConsumer creates a GoCloudConsumer.
func NewGoCloudConsumer(
	subscription *pubsub.Subscription,
	handler EventHandler,
	logger *slog.Logger,
) *GoCloudConsumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GoCloudConsumer{
		subscription: subscription,
		handler:      handler,
		retry:        redeliveryPolicy(logger),
		logger:       logger,
	}
}

// Run receives until ctx is done. It returns nil on cancellation.
func (c *GoCloudConsumer) Run(ctx context.Context) error {
	c.logger.Info("starting gocloud event consumer")
	for {
		msg, err := c.subscription.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("stopping gocloud event consumer")
				return nil
			}
			return apperrors.Wrap(apperrors.ErrUnavailable, err.Error())
		}

		consumeMessage(ctx, c.handler, c.retry, c.logger, msg.Body, msg.Metadata[headerEventType])
		if ctx.Err() != nil {
			if msg.Nackable() {
				msg.Nack()
			}
			return nil
		}
		msg.Ack()
	}
}

// Close shuts down the subscription.
func (c *GoCloudConsumer) Close(ctx context.Context) error {
	return c.subscription.Shutdown(ctx)
}
