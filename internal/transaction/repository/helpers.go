// Package repository provides data persistence implementations for transactions.
package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/allisson/txpipeline/internal/transaction/domain"
)

const transactionColumns = `id, external_id, idempotency_key, type, amount, currency,
			  source_account_id, target_account_id, metadata, status, retry_count, antifraud_score,
			  antifraud_status, antifraud_checked_at, completed_at, failure_reason, reversed_at,
			  reversal_transaction_id, version, created_at, updated_at`

const (
	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
)

// isUniqueViolation reports a unique constraint violation from lib/pq, pgx or the MySQL driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}

// nullableColumns holds the scan targets of the nullable columns shared by both dialects.
type nullableColumns struct {
	idempotencyKey  sql.NullString
	metadata        []byte
	antifraudScore  sql.NullInt64
	antifraudStatus sql.NullString
	failureReason   sql.NullString
}

func (n *nullableColumns) apply(tx *domain.Transaction) error {
	if n.idempotencyKey.Valid {
		key := n.idempotencyKey.String
		tx.IdempotencyKey = &key
	}
	if len(n.metadata) > 0 {
		if err := json.Unmarshal(n.metadata, &tx.Metadata); err != nil {
			return err
		}
	}
	if n.antifraudScore.Valid {
		score := int(n.antifraudScore.Int64)
		tx.AntifraudScore = &score
	}
	tx.AntifraudStatus = domain.AntifraudStatus(n.antifraudStatus.String)
	if n.failureReason.Valid {
		reason := n.failureReason.String
		tx.FailureReason = &reason
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullAntifraudStatus(s domain.AntifraudStatus) sql.NullString {
	return sql.NullString{String: string(s), Valid: s != ""}
}

// encodeMetadata returns the JSON text of metadata, NULL when empty. Text rather than bytes
// keeps lib/pq from sending the value as bytea.
func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// rangeFilter appends created_at bounds to a WHERE clause. placeholder renders the n-th
// argument of the dialect.
func rangeFilter(from, to *time.Time, placeholder func(n int) string) (string, []any) {
	where := ""
	var args []any
	if from != nil {
		args = append(args, *from)
		where += " AND created_at >= " + placeholder(len(args))
	}
	if to != nil {
		args = append(args, *to)
		where += " AND created_at <= " + placeholder(len(args))
	}
	return where, args
}
