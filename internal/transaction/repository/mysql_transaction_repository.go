package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/database"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// MySQLTransactionRepository implements Transaction persistence for MySQL databases. UUIDs
// are stored as BINARY(16).
type MySQLTransactionRepository struct {
	db *sql.DB
}

// NewMySQLTransactionRepository creates a new MySQL Transaction repository.
func NewMySQLTransactionRepository(db *sql.DB) *MySQLTransactionRepository {
	return &MySQLTransactionRepository{db: db}
}

// Create inserts a new transaction. A duplicate external id or idempotency key returns
// ErrDuplicateTransaction.
func (m *MySQLTransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	querier := database.GetTx(ctx, m.db)

	id, err := tx.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal transaction id")
	}

	reversalID, err := marshalNullableID(tx.ReversalTransactionID)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal reversal transaction id")
	}

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode transaction metadata")
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(
		ctx,
		query,
		id,
		tx.ExternalID,
		nullString(tx.IdempotencyKey),
		tx.Type,
		tx.Amount,
		tx.Currency,
		tx.SourceAccountID,
		tx.TargetAccountID,
		metadata,
		tx.Status,
		tx.RetryCount,
		nullInt(tx.AntifraudScore),
		nullAntifraudStatus(tx.AntifraudStatus),
		tx.AntifraudCheckedAt,
		tx.CompletedAt,
		nullString(tx.FailureReason),
		tx.ReversedAt,
		reversalID,
		tx.Version,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return apperrors.Wrap(err, "failed to create transaction")
	}

	return nil
}

// Update persists the mutable columns of tx if its version is unchanged, then bumps
// tx.Version. A stale version returns ErrConcurrentUpdate.
func (m *MySQLTransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	querier := database.GetTx(ctx, m.db)

	id, err := tx.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal transaction id")
	}

	reversalID, err := marshalNullableID(tx.ReversalTransactionID)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal reversal transaction id")
	}

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode transaction metadata")
	}

	query := `UPDATE transactions
			  SET status = ?, retry_count = ?, antifraud_score = ?, antifraud_status = ?,
			      antifraud_checked_at = ?, completed_at = ?, failure_reason = ?, reversed_at = ?,
			      reversal_transaction_id = ?, metadata = ?, updated_at = ?, version = version + 1
			  WHERE id = ? AND version = ?`

	result, err := querier.ExecContext(
		ctx,
		query,
		tx.Status,
		tx.RetryCount,
		nullInt(tx.AntifraudScore),
		nullAntifraudStatus(tx.AntifraudStatus),
		tx.AntifraudCheckedAt,
		tx.CompletedAt,
		nullString(tx.FailureReason),
		tx.ReversedAt,
		reversalID,
		metadata,
		tx.UpdatedAt,
		id,
		tx.Version,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update transaction")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return apperrors.Wrapf(domain.ErrConcurrentUpdate, "transaction %s version %d", tx.ID, tx.Version)
	}

	tx.Version++
	return nil
}

// GetByID retrieves a transaction by id.
func (m *MySQLTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	binID, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal transaction id")
	}
	return m.getOne(ctx, `WHERE id = ?`, binID)
}

// GetByExternalID retrieves a transaction by its client correlation id.
func (m *MySQLTransactionRepository) GetByExternalID(
	ctx context.Context,
	externalID string,
) (*domain.Transaction, error) {
	return m.getOne(ctx, `WHERE external_id = ?`, externalID)
}

// GetByIdempotencyKey retrieves a transaction by idempotency key.
func (m *MySQLTransactionRepository) GetByIdempotencyKey(
	ctx context.Context,
	key string,
) (*domain.Transaction, error) {
	return m.getOne(ctx, `WHERE idempotency_key = ?`, key)
}

func (m *MySQLTransactionRepository) getOne(
	ctx context.Context,
	where string,
	arg any,
) (*domain.Transaction, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where

	tx, err := scanMySQLTransaction(querier.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get transaction")
	}
	return tx, nil
}

// ListByAccount retrieves transactions where accountID is source or target, newest first.
func (m *MySQLTransactionRepository) ListByAccount(
	ctx context.Context,
	accountID string,
	limit, offset int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE source_account_id = ? OR target_account_id = ?
			  ORDER BY created_at DESC
			  LIMIT ? OFFSET ?`

	return m.list(ctx, query, accountID, accountID, limit, offset)
}

// ListByStatus retrieves transactions in status, oldest first.
func (m *MySQLTransactionRepository) ListByStatus(
	ctx context.Context,
	status domain.Status,
	limit int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE status = ?
			  ORDER BY created_at ASC
			  LIMIT ?`

	return m.list(ctx, query, status, limit)
}

// ListFailedForRetry retrieves FAILED transactions with retries left that the fraud check did
// not reject, least recently updated first.
func (m *MySQLTransactionRepository) ListFailedForRetry(
	ctx context.Context,
	limit int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE status = ? AND retry_count < ?
			    AND (antifraud_status IS NULL OR antifraud_status <> ?)
			  ORDER BY updated_at ASC
			  LIMIT ?`

	return m.list(ctx, query, domain.StatusFailed, domain.MaxRetries, domain.AntifraudRejected, limit)
}

func (m *MySQLTransactionRepository) list(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.Transaction, error) {
	querier := database.GetTx(ctx, m.db)

	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	transactions := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanMySQLTransaction(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan transaction")
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate transactions")
	}

	return transactions, nil
}

// CountBySourceAccountSince counts the transactions sent by accountID created at or after since.
func (m *MySQLTransactionRepository) CountBySourceAccountSince(
	ctx context.Context,
	accountID string,
	since time.Time,
) (int, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT COUNT(*) FROM transactions WHERE source_account_id = ? AND created_at >= ?`

	var count int
	if err := querier.QueryRowContext(ctx, query, accountID, since).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, "failed to count transactions")
	}
	return count, nil
}

// TotalsByStatus aggregates count and amount per status over the optional creation range.
func (m *MySQLTransactionRepository) TotalsByStatus(
	ctx context.Context,
	from, to *time.Time,
) (map[domain.Status]domain.StatusTotals, error) {
	querier := database.GetTx(ctx, m.db)

	where, args := rangeFilter(from, to, func(int) string { return "?" })
	query := `SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
			  FROM transactions
			  WHERE 1 = 1` + where + `
			  GROUP BY status`

	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to aggregate transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	return scanTotals(rows)
}

func scanMySQLTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var n nullableColumns
	var id, reversalID []byte

	err := row.Scan(
		&id,
		&tx.ExternalID,
		&n.idempotencyKey,
		&tx.Type,
		&tx.Amount,
		&tx.Currency,
		&tx.SourceAccountID,
		&tx.TargetAccountID,
		&n.metadata,
		&tx.Status,
		&tx.RetryCount,
		&n.antifraudScore,
		&n.antifraudStatus,
		&tx.AntifraudCheckedAt,
		&tx.CompletedAt,
		&n.failureReason,
		&tx.ReversedAt,
		&reversalID,
		&tx.Version,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.ID.UnmarshalBinary(id); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal transaction id")
	}
	if reversalID != nil {
		var rid uuid.UUID
		if err := rid.UnmarshalBinary(reversalID); err != nil {
			return nil, apperrors.Wrap(err, "failed to unmarshal reversal transaction id")
		}
		tx.ReversalTransactionID = &rid
	}
	if err := n.apply(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func marshalNullableID(id *uuid.UUID) ([]byte, error) {
	if id == nil {
		return nil, nil
	}
	return id.MarshalBinary()
}
