package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_ErrorType(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{err: "gateway timeout: upstream took 30s", want: "gateway timeout"},
		{err: "connection refused", want: "connection refused"},
		{err: "", want: "unknown"},
		{err: "a: b: c", want: "a"},
	}

	for _, tt := range tests {
		m := &Message{Error: tt.err}
		assert.Equal(t, tt.want, m.ErrorType())
	}
}

func TestMessage_IsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &Message{CreatedAt: created}

	assert.False(t, m.IsExpired(created.Add(time.Hour), 2*time.Hour))
	assert.True(t, m.IsExpired(created.Add(3*time.Hour), 2*time.Hour))
	assert.False(t, m.IsExpired(created.Add(1000*time.Hour), 0))
}
