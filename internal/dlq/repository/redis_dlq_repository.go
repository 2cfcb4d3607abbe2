package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/allisson/txpipeline/internal/dlq/domain"
	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// RedisDLQRepository stores DLQ messages in Redis. Each originating queue is a hash keyed by
// message id holding the JSON-encoded message; a set tracks the known queue names.
type RedisDLQRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisDLQRepository creates a RedisDLQRepository. prefix namespaces every key.
func NewRedisDLQRepository(client *redis.Client, prefix string) *RedisDLQRepository {
	if prefix == "" {
		prefix = "dlq"
	}
	return &RedisDLQRepository{client: client, prefix: prefix}
}

func (r *RedisDLQRepository) queueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", r.prefix, queue)
}

func (r *RedisDLQRepository) queuesKey() string {
	return r.prefix + ":queues"
}

// Save inserts or replaces a message.
func (r *RedisDLQRepository) Save(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.queuesKey(), msg.Queue)
	pipe.HSet(ctx, r.queueKey(msg.Queue), msg.ID.String(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Get returns a message by queue and id.
func (r *RedisDLQRepository) Get(ctx context.Context, queue string, id uuid.UUID) (*domain.Message, error) {
	data, err := r.client.HGet(ctx, r.queueKey(queue), id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, unavailable(err)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns the messages of one queue, or of all queues when queue is empty.
func (r *RedisDLQRepository) List(ctx context.Context, queue string) ([]*domain.Message, error) {
	queues := []string{queue}
	if queue == "" {
		var err error
		queues, err = r.client.SMembers(ctx, r.queuesKey()).Result()
		if err != nil {
			return nil, unavailable(err)
		}
	}

	var msgs []*domain.Message
	for _, q := range queues {
		values, err := r.client.HGetAll(ctx, r.queueKey(q)).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for _, v := range values {
			var msg domain.Message
			if err := json.Unmarshal([]byte(v), &msg); err != nil {
				return nil, err
			}
			msgs = append(msgs, &msg)
		}
	}
	sortByCreatedAt(msgs)
	return msgs, nil
}

// Delete removes a message.
func (r *RedisDLQRepository) Delete(ctx context.Context, queue string, id uuid.UUID) error {
	if err := r.client.HDel(ctx, r.queueKey(queue), id.String()).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Clear removes all messages of a queue, or of every queue when queue is empty.
func (r *RedisDLQRepository) Clear(ctx context.Context, queue string) (int, error) {
	queues := []string{queue}
	if queue == "" {
		var err error
		queues, err = r.client.SMembers(ctx, r.queuesKey()).Result()
		if err != nil {
			return 0, unavailable(err)
		}
	}

	total := 0
	for _, q := range queues {
		n, err := r.client.HLen(ctx, r.queueKey(q)).Result()
		if err != nil {
			return total, unavailable(err)
		}
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.queueKey(q))
		pipe.SRem(ctx, r.queuesKey(), q)
		if _, err := pipe.Exec(ctx); err != nil {
			return total, unavailable(err)
		}
		total += int(n)
	}
	return total, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisDLQRepository) Close() error {
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err)
}
