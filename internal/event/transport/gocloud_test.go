package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/allisson/txpipeline/internal/event/domain"
)

// openMemTopic opens a uniquely named in-memory topic through the publisher and a
// subscription on it. mempubsub only delivers to subscriptions that exist at send time.
func openMemTopic(t *testing.T, ctx context.Context, p *GoCloudPublisher) (string, *pubsub.Subscription) {
	t.Helper()
	name := "transaction.created." + uuid.NewString()

	require.NoError(t, p.OpenTopics(ctx, name))

	sub, err := OpenGoCloudSubscription(ctx, "mem://"+name)
	require.NoError(t, err)
	return name, sub
}

func TestGoCloudPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	p := NewGoCloudPublisher("mem://")
	name, sub := openMemTopic(t, ctx, p)
	defer func() {
		_ = sub.Shutdown(ctx)
		require.NoError(t, p.Close(ctx))
	}()

	evt := newTestEvent(t)
	require.NoError(t, p.Publish(ctx, name, evt))

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.Receive(recvCtx)
	require.NoError(t, err)
	msg.Ack()

	decoded, err := domain.Decode(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID, decoded.EventID)
	assert.Equal(t, "TransactionCreated", msg.Metadata[headerEventType])
	assert.Equal(t, evt.EventID.String(), msg.Metadata[headerEventID])
	assert.Equal(t, "tx-1", msg.Metadata[metadataAggregateID])
}

func TestGoCloudPublisher_ReusesTopics(t *testing.T) {
	ctx := context.Background()
	p := NewGoCloudPublisher("mem://")
	name := "transaction.completed." + uuid.NewString()

	first, err := p.topic(ctx, name)
	require.NoError(t, err)
	second, err := p.topic(ctx, name)
	require.NoError(t, err)

	assert.Same(t, first, second)
	require.NoError(t, p.Close(ctx))
	assert.Empty(t, p.topics)
}

func TestGoCloudPublisher_InvalidURL(t *testing.T) {
	p := NewGoCloudPublisher("unknown-scheme://")
	err := p.Publish(context.Background(), "transaction.created", newTestEvent(t))
	assert.Error(t, err)
}

func TestGoCloudConsumer_Run(t *testing.T) {
	ctx := context.Background()
	p := NewGoCloudPublisher("mem://")
	name, sub := openMemTopic(t, ctx, p)
	defer func() { require.NoError(t, p.Close(ctx)) }()

	var handled atomic.Int32
	consumer := NewGoCloudConsumer(sub, func(context.Context, *domain.Event) error {
		handled.Add(1)
		return nil
	}, nil)

	stop := runConsumer(consumer.Run)
	require.NoError(t, p.Publish(ctx, name, newTestEvent(t)))
	require.NoError(t, p.Publish(ctx, name, newTestEvent(t)))
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	require.NoError(t, consumer.Close(ctx))
}
