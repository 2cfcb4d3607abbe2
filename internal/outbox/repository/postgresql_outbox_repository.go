// Package repository provides data persistence implementations for outbox entities.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/allisson/txpipeline/internal/database"
	"github.com/allisson/txpipeline/internal/outbox/domain"
)

const outboxColumns = `id, event_type, aggregate_id, aggregate_type, topic, payload, status, retries,
			  last_error, processed_at, created_at, updated_at`

// PostgreSQLOutboxEventRepository handles outbox event persistence for PostgreSQL
type PostgreSQLOutboxEventRepository struct {
	db *sql.DB
}

// NewPostgreSQLOutboxEventRepository creates a new PostgreSQLOutboxEventRepository
func NewPostgreSQLOutboxEventRepository(db *sql.DB) *PostgreSQLOutboxEventRepository {
	return &PostgreSQLOutboxEventRepository{
		db: db,
	}
}

// Create inserts a new outbox event. It joins the transaction carried by ctx, if any.
func (r *PostgreSQLOutboxEventRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO outbox_events (id, event_type, aggregate_id, aggregate_type, topic, payload,
			  status, retries, last_error, processed_at, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	_, err := querier.ExecContext(ctx, query, event.ID, event.EventType, event.AggregateID,
		event.AggregateType, event.Topic, event.Payload, event.Status, event.Retries, event.LastError,
		event.ProcessedAt, event.CreatedAt)

	return err
}

// GetPendingEvents retrieves pending events with limit, locking them for the caller's transaction
func (r *PostgreSQLOutboxEventRepository) GetPendingEvents(
	ctx context.Context,
	limit int,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + outboxColumns + `
			  FROM outbox_events
			  WHERE status = $1
			  ORDER BY created_at ASC
			  LIMIT $2
			  FOR UPDATE SKIP LOCKED`

	rows, err := querier.QueryContext(ctx, query, domain.OutboxEventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanPostgreSQLEvents(rows)
}

// ListEvents returns the events created in [from, to] ordered by creation time, optionally
// restricted to eventTypes, whatever their delivery status.
func (r *PostgreSQLOutboxEventRepository) ListEvents(
	ctx context.Context,
	from, to time.Time,
	eventTypes []string,
) ([]*domain.OutboxEvent, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + outboxColumns + `
			  FROM outbox_events
			  WHERE created_at >= $1 AND created_at <= $2
			    AND (cardinality($3::text[]) = 0 OR event_type = ANY($3))
			  ORDER BY created_at ASC, id ASC`

	if eventTypes == nil {
		eventTypes = []string{}
	}

	rows, err := querier.QueryContext(ctx, query, from, to, pq.Array(eventTypes))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	return scanPostgreSQLEvents(rows)
}

// Update persists the delivery state of an outbox event
func (r *PostgreSQLOutboxEventRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_events
			  SET status = $1, retries = $2, last_error = $3, processed_at = $4, updated_at = NOW()
			  WHERE id = $5`

	_, err := querier.ExecContext(ctx, query, event.Status, event.Retries, event.LastError,
		event.ProcessedAt, event.ID)

	return err
}

func scanPostgreSQLEvents(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent
	for rows.Next() {
		var event domain.OutboxEvent

		err := rows.Scan(&event.ID, &event.EventType, &event.AggregateID, &event.AggregateType,
			&event.Topic, &event.Payload, &event.Status, &event.Retries, &event.LastError,
			&event.ProcessedAt, &event.CreatedAt, &event.UpdatedAt)
		if err != nil {
			return nil, err
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
