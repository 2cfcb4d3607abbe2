// Package domain defines the domain event envelope shared by publishers, consumers and the
// event bus.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// CurrentVersion is the version stamped on every event. Events are never upcast.
const CurrentVersion = 1

// ErrInvalidEvent is returned when a received message cannot be decoded into an Event.
var ErrInvalidEvent = apperrors.Wrap(apperrors.ErrInvalidInput, "invalid event")

// Event is an immutable domain event.
type Event struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an event with a fresh id, the given timestamp and version 1.
func New(
	eventType, aggregateID, aggregateType string,
	payload any,
	metadata map[string]any,
	now time.Time,
) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{
		EventID:       uuid.Must(uuid.NewV7()),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     now.UTC(),
		Version:       CurrentVersion,
		Metadata:      metadata,
		Payload:       data,
	}, nil
}

// Topic returns the broker topic of the event.
func (e *Event) Topic() string {
	return TopicName(e.EventType)
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return apperrors.Wrap(ErrInvalidEvent, err.Error())
	}
	return nil
}

// Decode parses a wire message into an Event.
func Decode(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, apperrors.Wrap(ErrInvalidEvent, err.Error())
	}
	if evt.EventID == uuid.Nil || evt.EventType == "" {
		return nil, apperrors.Wrap(ErrInvalidEvent, "missing eventId or eventType")
	}
	return &evt, nil
}

// TopicName derives a topic from an event type by separating each run of uppercase letters
// with a dot and lower-casing: TransactionCreated becomes transaction.created.
func TopicName(eventType string) string {
	var b strings.Builder
	b.Grow(len(eventType) + 4)

	var prev rune
	for i, r := range eventType {
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(prev) {
			b.WriteByte('.')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}
