package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

func TestTopicName(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{eventType: "TransactionCreated", want: "transaction.created"},
		{eventType: "FraudCheckCompleted", want: "fraud.check.completed"},
		{eventType: "TransactionProcessing", want: "transaction.processing"},
		{eventType: "DLQMessageAdded", want: "dlqmessage.added"},
		{eventType: "created", want: "created"},
		{eventType: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicName(tt.eventType))
		})
	}
}

func TestNewAndDecode(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	evt, err := New("TransactionCreated", "tx-1", "Transaction",
		map[string]any{"amount": "10.50"}, map[string]any{"source": "api"}, now)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, evt.Version)
	assert.Equal(t, "transaction.created", evt.Topic())
	assert.Equal(t, now, evt.Timestamp)

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{
		"eventId", "eventType", "aggregateId", "aggregateType",
		"timestamp", "version", "metadata", "payload",
	}, keys)
	assert.Equal(t, "2026-05-01T12:00:00Z", raw["timestamp"])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID, decoded.EventID)

	var payload map[string]string
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, "10.50", payload["amount"])
}

func TestNew_OmitsEmptyMetadata(t *testing.T) {
	evt, err := New("TransactionCompleted", "tx-1", "Transaction", struct{}{}, nil, time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "metadata")
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = Decode([]byte(`{"eventType":"X"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
