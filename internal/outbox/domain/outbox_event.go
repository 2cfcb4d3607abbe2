// Package domain defines the outbox entity: a domain event persisted in the same database
// transaction as the state change that produced it, waiting to be relayed to the broker.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	eventDomain "github.com/allisson/txpipeline/internal/event/domain"
)

// OutboxEventStatus represents the status of an outbox event
type OutboxEventStatus string

const (
	OutboxEventStatusPending   OutboxEventStatus = "pending"
	OutboxEventStatusProcessed OutboxEventStatus = "processed"
	OutboxEventStatusFailed    OutboxEventStatus = "failed"
)

// OutboxEvent represents an event in the transactional outbox. ID equals the domain event id
// and Payload holds the full JSON event envelope.
type OutboxEvent struct {
	ID            uuid.UUID
	EventType     string
	AggregateID   string
	AggregateType string
	Topic         string
	Payload       string
	Status        OutboxEventStatus
	Retries       int
	LastError     *string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FromEvent builds a pending outbox row for evt.
func FromEvent(topic string, evt *eventDomain.Event) (*OutboxEvent, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            evt.EventID,
		EventType:     evt.EventType,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		Topic:         topic,
		Payload:       string(payload),
		Status:        OutboxEventStatusPending,
		CreatedAt:     evt.Timestamp,
	}, nil
}

// Event decodes the stored envelope.
func (e *OutboxEvent) Event() (*eventDomain.Event, error) {
	return eventDomain.Decode([]byte(e.Payload))
}

// MarkProcessed records a successful delivery at now.
func (e *OutboxEvent) MarkProcessed(now time.Time) {
	e.Status = OutboxEventStatusProcessed
	e.ProcessedAt = &now
	e.LastError = nil
}

// RecordFailure counts a failed delivery attempt. The row is parked as failed once it has
// used maxRetries attempts; it reports whether that happened.
func (e *OutboxEvent) RecordFailure(cause error, maxRetries int) bool {
	e.Retries++
	msg := cause.Error()
	e.LastError = &msg
	if maxRetries > 0 && e.Retries >= maxRetries {
		e.Status = OutboxEventStatusFailed
		return true
	}
	return false
}
