package usecase

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// AggregateTransaction is the aggregate type stamped on transaction events.
const AggregateTransaction = "Transaction"

// Transaction event types.
const (
	EventTransactionCreated    = "TransactionCreated"
	EventFraudCheckCompleted   = "FraudCheckCompleted"
	EventTransactionProcessing = "TransactionProcessing"
	EventTransactionCompleted  = "TransactionCompleted"
	EventTransactionFailed     = "TransactionFailed"
	EventTransactionRejected   = "TransactionRejected"
	EventTransactionReversed   = "TransactionReversed"
	EventTransactionRetried    = "TransactionRetried"
)

// EventTypes lists every event type emitted by the transaction service.
var EventTypes = []string{
	EventTransactionCreated,
	EventFraudCheckCompleted,
	EventTransactionProcessing,
	EventTransactionCompleted,
	EventTransactionFailed,
	EventTransactionRejected,
	EventTransactionReversed,
	EventTransactionRetried,
}

// TransactionEvent is the payload of lifecycle events.
type TransactionEvent struct {
	TransactionID   string          `json:"transactionId"`
	ExternalID      string          `json:"externalId"`
	Type            domain.Type     `json:"type"`
	Status          domain.Status   `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	SourceAccountID string          `json:"sourceAccountId"`
	TargetAccountID string          `json:"targetAccountId"`
	RetryCount      int             `json:"retryCount"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// FraudCheckEvent is the payload of FraudCheckCompleted.
type FraudCheckEvent struct {
	TransactionID string   `json:"transactionId"`
	Score         int      `json:"score"`
	Approved      bool     `json:"approved"`
	Reasons       []string `json:"reasons,omitempty"`
}

// ReversalEvent is the payload of TransactionReversed.
type ReversalEvent struct {
	TransactionID         string `json:"transactionId"`
	ReversalTransactionID string `json:"reversalTransactionId"`
	Reason                string `json:"reason"`
}

func newTransactionEvent(tx *domain.Transaction) TransactionEvent {
	evt := TransactionEvent{
		TransactionID:   tx.ID.String(),
		ExternalID:      tx.ExternalID,
		Type:            tx.Type,
		Status:          tx.Status,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		SourceAccountID: tx.SourceAccountID,
		TargetAccountID: tx.TargetAccountID,
		RetryCount:      tx.RetryCount,
		CompletedAt:     tx.CompletedAt,
	}
	if tx.FailureReason != nil {
		evt.FailureReason = *tx.FailureReason
	}
	return evt
}
