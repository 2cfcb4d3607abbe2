package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// TransactionResponse represents a transaction in API responses.
type TransactionResponse struct {
	ID                    string         `json:"id"`
	ExternalID            string         `json:"external_id"`
	IdempotencyKey        *string        `json:"idempotency_key,omitempty"`
	Type                  string         `json:"type"`
	Amount                string         `json:"amount"`
	Currency              string         `json:"currency"`
	SourceAccountID       string         `json:"source_account_id"`
	TargetAccountID       string         `json:"target_account_id"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	Status                string         `json:"status"`
	RetryCount            int            `json:"retry_count"`
	AntifraudScore        *int           `json:"antifraud_score,omitempty"`
	AntifraudStatus       string         `json:"antifraud_status,omitempty"`
	AntifraudCheckedAt    *time.Time     `json:"antifraud_checked_at,omitempty"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	FailureReason         *string        `json:"failure_reason,omitempty"`
	ReversedAt            *time.Time     `json:"reversed_at,omitempty"`
	ReversalTransactionID *string        `json:"reversal_transaction_id,omitempty"`
	Version               int            `json:"version"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// MapTransactionToResponse converts a domain transaction to an API response.
func MapTransactionToResponse(tx *domain.Transaction) TransactionResponse {
	response := TransactionResponse{
		ID:                 tx.ID.String(),
		ExternalID:         tx.ExternalID,
		IdempotencyKey:     tx.IdempotencyKey,
		Type:               string(tx.Type),
		Amount:             formatAmount(tx.Amount),
		Currency:           tx.Currency,
		SourceAccountID:    tx.SourceAccountID,
		TargetAccountID:    tx.TargetAccountID,
		Metadata:           tx.Metadata,
		Status:             string(tx.Status),
		RetryCount:         tx.RetryCount,
		AntifraudScore:     tx.AntifraudScore,
		AntifraudStatus:    string(tx.AntifraudStatus),
		AntifraudCheckedAt: tx.AntifraudCheckedAt,
		CompletedAt:        tx.CompletedAt,
		FailureReason:      tx.FailureReason,
		ReversedAt:         tx.ReversedAt,
		Version:            tx.Version,
		CreatedAt:          tx.CreatedAt,
		UpdatedAt:          tx.UpdatedAt,
	}
	if tx.ReversalTransactionID != nil {
		id := tx.ReversalTransactionID.String()
		response.ReversalTransactionID = &id
	}
	return response
}

// ListTransactionsResponse represents a page of transactions.
type ListTransactionsResponse struct {
	Data []TransactionResponse `json:"data"`
}

// MapTransactionsToListResponse converts domain transactions to a list response.
func MapTransactionsToListResponse(txs []*domain.Transaction) ListTransactionsResponse {
	data := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		data = append(data, MapTransactionToResponse(tx))
	}
	return ListTransactionsResponse{Data: data}
}

// StatusTotalsResponse aggregates transactions of one status.
type StatusTotalsResponse struct {
	Count  int64  `json:"count"`
	Amount string `json:"amount"`
}

// StatisticsResponse represents transaction statistics.
type StatisticsResponse struct {
	From     *time.Time                      `json:"from,omitempty"`
	To       *time.Time                      `json:"to,omitempty"`
	ByStatus map[string]StatusTotalsResponse `json:"by_status"`
	Total    StatusTotalsResponse            `json:"total"`
}

// MapStatisticsToResponse converts domain statistics to an API response.
func MapStatisticsToResponse(stats *domain.Statistics) StatisticsResponse {
	byStatus := make(map[string]StatusTotalsResponse, len(stats.ByStatus))
	for status, totals := range stats.ByStatus {
		byStatus[string(status)] = mapTotals(totals)
	}
	return StatisticsResponse{
		From:     stats.From,
		To:       stats.To,
		ByStatus: byStatus,
		Total:    mapTotals(stats.Total),
	}
}

func mapTotals(t domain.StatusTotals) StatusTotalsResponse {
	return StatusTotalsResponse{Count: t.Count, Amount: formatAmount(t.Amount)}
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
