package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/allisson/txpipeline/internal/database"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// PostgreSQLTransactionRepository implements Transaction persistence for PostgreSQL. It works
// with both the lib/pq and the pgx database/sql drivers.
type PostgreSQLTransactionRepository struct {
	db *sql.DB
}

// NewPostgreSQLTransactionRepository creates a new PostgreSQL Transaction repository.
func NewPostgreSQLTransactionRepository(db *sql.DB) *PostgreSQLTransactionRepository {
	return &PostgreSQLTransactionRepository{db: db}
}

// Create inserts a new transaction. A duplicate external id or idempotency key returns
// ErrDuplicateTransaction.
func (p *PostgreSQLTransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	querier := database.GetTx(ctx, p.db)

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode transaction metadata")
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			  $19, $20, $21)`

	_, err = querier.ExecContext(
		ctx,
		query,
		tx.ID,
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
		uuidPtr(tx.ReversalTransactionID),
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
func (p *PostgreSQLTransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	querier := database.GetTx(ctx, p.db)

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode transaction metadata")
	}

	query := `UPDATE transactions
			  SET status = $1, retry_count = $2, antifraud_score = $3, antifraud_status = $4,
			      antifraud_checked_at = $5, completed_at = $6, failure_reason = $7, reversed_at = $8,
			      reversal_transaction_id = $9, metadata = $10, updated_at = $11, version = version + 1
			  WHERE id = $12 AND version = $13`

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
		uuidPtr(tx.ReversalTransactionID),
		metadata,
		tx.UpdatedAt,
		tx.ID,
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
func (p *PostgreSQLTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return p.getOne(ctx, `WHERE id = $1`, id)
}

// GetByExternalID retrieves a transaction by its client correlation id.
func (p *PostgreSQLTransactionRepository) GetByExternalID(
	ctx context.Context,
	externalID string,
) (*domain.Transaction, error) {
	return p.getOne(ctx, `WHERE external_id = $1`, externalID)
}

// GetByIdempotencyKey retrieves a transaction by idempotency key.
func (p *PostgreSQLTransactionRepository) GetByIdempotencyKey(
	ctx context.Context,
	key string,
) (*domain.Transaction, error) {
	return p.getOne(ctx, `WHERE idempotency_key = $1`, key)
}

func (p *PostgreSQLTransactionRepository) getOne(
	ctx context.Context,
	where string,
	arg any,
) (*domain.Transaction, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where

	tx, err := scanPostgreSQLTransaction(querier.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get transaction")
	}
	return tx, nil
}

// ListByAccount retrieves transactions where accountID is source or target, newest first.
func (p *PostgreSQLTransactionRepository) ListByAccount(
	ctx context.Context,
	accountID string,
	limit, offset int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE source_account_id = $1 OR target_account_id = $1
			  ORDER BY created_at DESC
			  LIMIT $2 OFFSET $3`

	return p.list(ctx, query, accountID, limit, offset)
}

// ListByStatus retrieves transactions in status, oldest first.
func (p *PostgreSQLTransactionRepository) ListByStatus(
	ctx context.Context,
	status domain.Status,
	limit int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE status = $1
			  ORDER BY created_at ASC
			  LIMIT $2`

	return p.list(ctx, query, status, limit)
}

// ListFailedForRetry retrieves FAILED transactions with retries left that the fraud check did
// not reject, least recently updated first.
func (p *PostgreSQLTransactionRepository) ListFailedForRetry(
	ctx context.Context,
	limit int,
) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
			  FROM transactions
			  WHERE status = $1 AND retry_count < $2
			    AND (antifraud_status IS NULL OR antifraud_status <> $3)
			  ORDER BY updated_at ASC
			  LIMIT $4`

	return p.list(ctx, query, domain.StatusFailed, domain.MaxRetries, domain.AntifraudRejected, limit)
}

func (p *PostgreSQLTransactionRepository) list(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.Transaction, error) {
	querier := database.GetTx(ctx, p.db)

	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	transactions := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanPostgreSQLTransaction(rows)
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
func (p *PostgreSQLTransactionRepository) CountBySourceAccountSince(
	ctx context.Context,
	accountID string,
	since time.Time,
) (int, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT COUNT(*) FROM transactions WHERE source_account_id = $1 AND created_at >= $2`

	var count int
	if err := querier.QueryRowContext(ctx, query, accountID, since).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, "failed to count transactions")
	}
	return count, nil
}

// TotalsByStatus aggregates count and amount per status over the optional creation range.
func (p *PostgreSQLTransactionRepository) TotalsByStatus(
	ctx context.Context,
	from, to *time.Time,
) (map[domain.Status]domain.StatusTotals, error) {
	querier := database.GetTx(ctx, p.db)

	where, args := rangeFilter(from, to, func(n int) string { return "$" + strconv.Itoa(n) })
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

func scanTotals(rows *sql.Rows) (map[domain.Status]domain.StatusTotals, error) {
	totals := make(map[domain.Status]domain.StatusTotals)
	for rows.Next() {
		var status domain.Status
		var count int64
		var amount decimal.Decimal
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan totals")
		}
		totals[status] = domain.StatusTotals{Count: count, Amount: amount}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate totals")
	}
	return totals, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgreSQLTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var n nullableColumns
	var reversalID uuid.NullUUID

	err := row.Scan(
		&tx.ID,
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

	if err := n.apply(&tx); err != nil {
		return nil, err
	}
	if reversalID.Valid {
		id := reversalID.UUID
		tx.ReversalTransactionID = &id
	}
	return &tx, nil
}

func uuidPtr(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
