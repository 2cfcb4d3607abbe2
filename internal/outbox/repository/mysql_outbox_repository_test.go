package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/outbox/domain"
)

func TestMySQLOutboxEventRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMySQLOutboxEventRepository(db)
	event := newOutboxEvent()
	idBytes, err := event.ID.MarshalBinary()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(idBytes, "TransactionCreated", "tx-1", "Transaction", "transaction.created",
			event.Payload, domain.OutboxEventStatusPending, 0, nil, nil, event.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLOutboxEventRepository_GetPendingEvents(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMySQLOutboxEventRepository(db)
	event := newOutboxEvent()
	idBytes, err := event.ID.MarshalBinary()
	require.NoError(t, err)

	mock.ExpectQuery("WHERE status = \\?").
		WithArgs(domain.OutboxEventStatusPending, 5).
		WillReturnRows(sqlmock.NewRows(outboxColumnNames).AddRow(
			idBytes, event.EventType, event.AggregateID, event.AggregateType, event.Topic,
			event.Payload, "pending", 0, nil, nil, event.CreatedAt, event.CreatedAt,
		))

	events, err := repo.GetPendingEvents(context.Background(), 5)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLOutboxEventRepository_ListEvents(t *testing.T) {
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	t.Run("filters by event types", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewMySQLOutboxEventRepository(db)

		mock.ExpectQuery("AND event_type IN \\(\\?, \\?\\) ORDER BY created_at ASC").
			WithArgs(from, to, "TransactionCreated", "TransactionFailed").
			WillReturnRows(sqlmock.NewRows(outboxColumnNames))

		events, err := repo.ListEvents(context.Background(), from, to,
			[]string{"TransactionCreated", "TransactionFailed"})

		require.NoError(t, err)
		assert.Empty(t, events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all types", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewMySQLOutboxEventRepository(db)

		mock.ExpectQuery("WHERE created_at >= \\? AND created_at <= \\? ORDER BY").
			WithArgs(from, to).
			WillReturnRows(sqlmock.NewRows(outboxColumnNames))

		_, err := repo.ListEvents(context.Background(), from, to, nil)

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLOutboxEventRepository_Update(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMySQLOutboxEventRepository(db)
	event := newOutboxEvent()
	idBytes, err := event.ID.MarshalBinary()
	require.NoError(t, err)
	lastError := "timeout"
	event.Retries = 2
	event.LastError = &lastError
	event.Status = domain.OutboxEventStatusFailed

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs(domain.OutboxEventStatusFailed, 2, &lastError, nil, idBytes).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}
