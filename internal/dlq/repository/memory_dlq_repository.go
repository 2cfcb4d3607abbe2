// Package repository implements DLQ message storage backends.
package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/dlq/domain"
)

// MemoryDLQRepository keeps DLQ messages in process memory, grouped by originating queue.
type MemoryDLQRepository struct {
	mu     sync.RWMutex
	queues map[string]map[uuid.UUID]*domain.Message
}

// NewMemoryDLQRepository creates an empty in-memory DLQ repository.
func NewMemoryDLQRepository() *MemoryDLQRepository {
	return &MemoryDLQRepository{queues: make(map[string]map[uuid.UUID]*domain.Message)}
}

// Save inserts or replaces a message.
func (r *MemoryDLQRepository) Save(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[msg.Queue]
	if !ok {
		q = make(map[uuid.UUID]*domain.Message)
		r.queues[msg.Queue] = q
	}
	cp := *msg
	q[msg.ID] = &cp
	return nil
}

// Get returns a message by queue and id.
func (r *MemoryDLQRepository) Get(_ context.Context, queue string, id uuid.UUID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.queues[queue][id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

// List returns the messages of one queue, or of all queues when queue is empty,
// ordered by creation time.
func (r *MemoryDLQRepository) List(_ context.Context, queue string) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []*domain.Message
	for name, q := range r.queues {
		if queue != "" && name != queue {
			continue
		}
		for _, msg := range q {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sortByCreatedAt(msgs)
	return msgs, nil
}

// Delete removes a message. Deleting a missing message is not an error.
func (r *MemoryDLQRepository) Delete(_ context.Context, queue string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues[queue], id)
	return nil
}

// Clear removes all messages of a queue, or of every queue when queue is empty.
func (r *MemoryDLQRepository) Clear(_ context.Context, queue string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for name, q := range r.queues {
		if queue != "" && name != queue {
			continue
		}
		count += len(q)
		delete(r.queues, name)
	}
	return count, nil
}

// Close is a no-op.
func (r *MemoryDLQRepository) Close() error {
	return nil
}

func sortByCreatedAt(msgs []*domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
