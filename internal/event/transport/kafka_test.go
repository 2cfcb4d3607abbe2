package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/event/domain"
)

// MockMessageWriter is a mock implementation of MessageWriter
type MockMessageWriter struct {
	mock.Mock
}

func (m *MockMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockMessageWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// fakeReader serves queued messages and blocks once they run out.
type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func newTestEvent(t *testing.T) *domain.Event {
	t.Helper()
	evt, err := domain.New("TransactionCreated", "tx-1", "Transaction", map[string]string{"amount": "10"}, nil, time.Now())
	require.NoError(t, err)
	return evt
}

func encode(t *testing.T, evt *domain.Event) []byte {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return data
}

// runConsumer starts run in a goroutine and returns a stop function that cancels it and
// returns its result.
func runConsumer(run func(ctx context.Context) error) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	evt := newTestEvent(t)

	t.Run("writes keyed message with headers", func(t *testing.T) {
		writer := &MockMessageWriter{}
		writer.On("WriteMessages", ctx, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 {
				return false
			}
			m := msgs[0]
			decoded, err := domain.Decode(m.Value)
			return err == nil &&
				m.Topic == "transaction.created" &&
				string(m.Key) == "tx-1" &&
				decoded.EventID == evt.EventID &&
				len(m.Headers) == 2 &&
				m.Headers[0].Key == headerEventType && string(m.Headers[0].Value) == "TransactionCreated" &&
				m.Headers[1].Key == headerEventID && string(m.Headers[1].Value) == evt.EventID.String()
		})).Return(nil).Once()

		err := NewKafkaPublisher(writer).Publish(ctx, evt.Topic(), evt)

		require.NoError(t, err)
		writer.AssertExpectations(t)
	})

	t.Run("write failure is transient", func(t *testing.T) {
		writer := &MockMessageWriter{}
		writer.On("WriteMessages", ctx, mock.Anything).Return(errors.New("leader not available"))

		err := NewKafkaPublisher(writer).Publish(ctx, evt.Topic(), evt)

		assert.ErrorIs(t, err, apperrors.ErrUnavailable)
		assert.True(t, apperrors.IsTransient(err))
	})

	t.Run("close closes writer", func(t *testing.T) {
		writer := &MockMessageWriter{}
		writer.On("Close").Return(nil).Once()

		require.NoError(t, NewKafkaPublisher(writer).Close())
		writer.AssertExpectations(t)
	})
}

func TestKafkaConsumer_Run(t *testing.T) {
	t.Run("handles and commits valid events", func(t *testing.T) {
		evt := newTestEvent(t)
		reader := newFakeReader(kafka.Message{Topic: "transaction.created", Value: encode(t, evt)})

		var got atomic.Value
		consumer := NewKafkaConsumer(reader, func(_ context.Context, e *domain.Event) error {
			got.Store(e.EventID)
			return nil
		}, nil)

		stop := runConsumer(consumer.Run)
		require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Equal(t, evt.EventID, got.Load())
	})

	t.Run("commits undecodable messages without handling", func(t *testing.T) {
		reader := newFakeReader(kafka.Message{Topic: "transaction.created", Value: []byte("not json")})

		var calls atomic.Int32
		consumer := NewKafkaConsumer(reader, func(context.Context, *domain.Event) error {
			calls.Add(1)
			return nil
		}, nil)

		stop := runConsumer(consumer.Run)
		require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Zero(t, calls.Load())
	})

	t.Run("retries transient failures before committing", func(t *testing.T) {
		reader := newFakeReader(kafka.Message{Value: encode(t, newTestEvent(t))})

		var calls atomic.Int32
		consumer := NewKafkaConsumer(reader, func(context.Context, *domain.Event) error {
			if calls.Add(1) < 3 {
				return errors.New("db unavailable")
			}
			return nil
		}, nil)
		consumer.retry.Delay = time.Millisecond

		stop := runConsumer(consumer.Run)
		require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("drops business errors", func(t *testing.T) {
		reader := newFakeReader(kafka.Message{Value: encode(t, newTestEvent(t))})

		var calls atomic.Int32
		consumer := NewKafkaConsumer(reader, func(context.Context, *domain.Event) error {
			calls.Add(1)
			return apperrors.ErrConflict
		}, nil)

		stop := runConsumer(consumer.Run)
		require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("does not commit when stopped mid-retry", func(t *testing.T) {
		reader := newFakeReader(kafka.Message{Value: encode(t, newTestEvent(t))})

		var calls atomic.Int32
		consumer := NewKafkaConsumer(reader, func(context.Context, *domain.Event) error {
			calls.Add(1)
			return errors.New("db unavailable")
		}, nil)
		consumer.retry.Delay = time.Millisecond

		stop := runConsumer(consumer.Run)
		require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Zero(t, reader.commits())
	})
}
