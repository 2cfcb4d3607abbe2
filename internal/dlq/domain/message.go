// Package domain defines the dead-letter queue entities.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// ErrMessageNotFound is returned when a DLQ message does not exist.
var ErrMessageNotFound = apperrors.Wrap(apperrors.ErrNotFound, "dlq message not found")

// Message is a job payload captured after the job exhausted its attempts.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	JobID         string          `json:"job_id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Stack         string          `json:"stack,omitempty"`
	AttemptsMade  int             `json:"attempts_made"`
	Permanent     bool            `json:"permanent"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// ErrorType returns the error class used to group messages in statistics: the text before
// the first ":" of the error message.
func (m *Message) ErrorType() string {
	if m.Error == "" {
		return "unknown"
	}
	if i := strings.Index(m.Error, ":"); i >= 0 {
		return strings.TrimSpace(m.Error[:i])
	}
	return strings.TrimSpace(m.Error)
}

// IsExpired reports whether the message is older than ttl at the given instant.
// A non-positive ttl never expires.
func (m *Message) IsExpired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(m.CreatedAt) > ttl
}

// QueueStats aggregates the DLQ content of one originating queue.
type QueueStats struct {
	Total           int            `json:"total"`
	Permanent       int            `json:"permanent"`
	ByError         map[string]int `json:"by_error"`
	AverageAttempts float64        `json:"average_attempts"`
	OldestMessage   *time.Time     `json:"oldest_message,omitempty"`
}

// ProcessResult summarizes one DLQ sweep.
type ProcessResult struct {
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Permanent int `json:"permanent"`
}
