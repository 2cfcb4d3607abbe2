package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the kind of transfer.
type Type string

const (
	TypeP2P     Type = "P2P"
	TypePayment Type = "PAYMENT"
	TypeCashIn  Type = "CASH_IN"
	TypeCashOut Type = "CASH_OUT"
)

// Status is the state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
	StatusReversed   Status = "REVERSED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRejected, StatusReversed,
}

// AntifraudStatus is the fraud decision. The zero value means not yet checked.
type AntifraudStatus string

const (
	AntifraudApproved AntifraudStatus = "APPROVED"
	AntifraudRejected AntifraudStatus = "REJECTED"
)

const (
	// MaxRetries is the retry budget of a failed transaction.
	MaxRetries = 3
	// DefaultCurrency is used when a request omits the currency.
	DefaultCurrency = "PEN"
)

// Metadata keys written on reversal transactions.
const (
	MetadataReversalReason        = "reversalReason"
	MetadataOriginalTransactionID = "originalTransactionId"
)

// Transaction is a transfer between two accounts. State changes go through its methods only.
type Transaction struct {
	ID                    uuid.UUID
	ExternalID            string
	IdempotencyKey        *string
	Type                  Type
	Amount                decimal.Decimal
	Currency              string
	SourceAccountID       string
	TargetAccountID       string
	Metadata              map[string]any
	Status                Status
	RetryCount            int
	AntifraudScore        *int
	AntifraudStatus       AntifraudStatus
	AntifraudCheckedAt    *time.Time
	CompletedAt           *time.Time
	FailureReason         *string
	ReversedAt            *time.Time
	ReversalTransactionID *uuid.UUID
	// Version is the optimistic-locking token, bumped on every successful update.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTransactionInput holds the client-supplied fields of a new transaction.
type NewTransactionInput struct {
	ExternalID      string
	IdempotencyKey  *string
	Type            Type
	Amount          decimal.Decimal
	Currency        string
	SourceAccountID string
	TargetAccountID string
	Metadata        map[string]any
}

// NewTransaction builds a PENDING transaction, defaulting the type to P2P and the currency
// to PEN.
func NewTransaction(input NewTransactionInput, now time.Time) (*Transaction, error) {
	if input.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	txType := input.Type
	if txType == "" {
		txType = TypeP2P
	}
	currency := input.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	now = now.UTC()
	return &Transaction{
		ID:              uuid.Must(uuid.NewV7()),
		ExternalID:      input.ExternalID,
		IdempotencyKey:  input.IdempotencyKey,
		Type:            txType,
		Amount:          input.Amount,
		Currency:        currency,
		SourceAccountID: input.SourceAccountID,
		TargetAccountID: input.TargetAccountID,
		Metadata:        metadata,
		Status:          StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsFraudApproved reports whether the fraud check approved the transaction.
func (t *Transaction) IsFraudApproved() bool {
	return t.AntifraudStatus == AntifraudApproved
}

// CanProcess reports whether the transaction may enter PROCESSING.
func (t *Transaction) CanProcess() bool {
	return t.Status == StatusPending && t.AntifraudStatus != AntifraudRejected
}

// CanRetry reports whether a failed transaction may be re-enqueued.
func (t *Transaction) CanRetry() bool {
	return t.Status == StatusFailed && t.RetryCount < MaxRetries && t.AntifraudStatus != AntifraudRejected
}

// CanReverse reports whether the transaction may be reversed.
func (t *Transaction) CanReverse() bool {
	return t.Status == StatusCompleted && t.ReversalTransactionID == nil
}

// StartProcessing moves PENDING to PROCESSING.
func (t *Transaction) StartProcessing(now time.Time) error {
	if t.Status != StatusPending {
		return ErrInvalidTransition
	}
	t.Status = StatusProcessing
	t.touch(now)
	return nil
}

// Complete moves PROCESSING to COMPLETED.
func (t *Transaction) Complete(now time.Time) error {
	if t.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	completedAt := now.UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &completedAt
	t.touch(now)
	return nil
}

// Fail moves the transaction to FAILED from any state.
func (t *Transaction) Fail(reason string, now time.Time) {
	t.Status = StatusFailed
	t.FailureReason = &reason
	t.touch(now)
}

// Reject moves the transaction to REJECTED from any state. A missing fraud decision is
// recorded as rejected.
func (t *Transaction) Reject(reason string, now time.Time) {
	t.Status = StatusRejected
	t.FailureReason = &reason
	if t.AntifraudStatus == "" {
		checkedAt := now.UTC()
		t.AntifraudStatus = AntifraudRejected
		t.AntifraudCheckedAt = &checkedAt
	}
	t.touch(now)
}

// RecordFraudCheck stores the fraud decision once. A rejection fails the transaction with
// reason; an approval leaves it PENDING for processing.
func (t *Transaction) RecordFraudCheck(score int, approved bool, reason string, now time.Time) error {
	if t.AntifraudStatus != "" {
		return ErrAntifraudAlreadySet
	}

	checkedAt := now.UTC()
	t.AntifraudScore = &score
	t.AntifraudCheckedAt = &checkedAt
	if approved {
		t.AntifraudStatus = AntifraudApproved
		t.touch(now)
		return nil
	}

	t.AntifraudStatus = AntifraudRejected
	t.Fail(reason, now)
	return nil
}

// PrepareRetry spends one retry and puts a failed transaction back to PENDING.
func (t *Transaction) PrepareRetry(now time.Time) error {
	if !t.CanRetry() {
		return ErrCannotRetry
	}
	t.RetryCount++
	t.Status = StatusPending
	t.FailureReason = nil
	t.touch(now)
	return nil
}

// NewReversal builds the compensating transaction of t: accounts swapped, same amount,
// currency and type.
func (t *Transaction) NewReversal(reason string, now time.Time) (*Transaction, error) {
	if !t.CanReverse() {
		return nil, ErrCannotReverse
	}

	metadata := make(map[string]any, len(t.Metadata)+2)
	for k, v := range t.Metadata {
		metadata[k] = v
	}
	metadata[MetadataReversalReason] = reason
	metadata[MetadataOriginalTransactionID] = t.ID.String()

	reversal, err := NewTransaction(NewTransactionInput{
		ExternalID:      "REV-" + t.ExternalID,
		Type:            t.Type,
		Amount:          t.Amount,
		Currency:        t.Currency,
		SourceAccountID: t.TargetAccountID,
		TargetAccountID: t.SourceAccountID,
		Metadata:        metadata,
	}, now)
	if err != nil {
		return nil, err
	}
	// The original passed the fraud check; the compensation is not screened again.
	reversal.AntifraudStatus = t.AntifraudStatus
	reversal.AntifraudScore = t.AntifraudScore
	reversal.AntifraudCheckedAt = t.AntifraudCheckedAt
	return reversal, nil
}

// MarkReversed moves COMPLETED to REVERSED and links the compensating transaction.
func (t *Transaction) MarkReversed(reversalID uuid.UUID, now time.Time) error {
	if !t.CanReverse() {
		return ErrCannotReverse
	}
	reversedAt := now.UTC()
	t.Status = StatusReversed
	t.ReversedAt = &reversedAt
	t.ReversalTransactionID = &reversalID
	t.touch(now)
	return nil
}

func (t *Transaction) touch(now time.Time) {
	t.UpdatedAt = now.UTC()
}

// StatusTotals aggregates transactions of one status.
type StatusTotals struct {
	Count  int64
	Amount decimal.Decimal
}

// Statistics aggregates transactions by status over an optional creation-time range.
type Statistics struct {
	From     *time.Time
	To       *time.Time
	ByStatus map[Status]StatusTotals
	Total    StatusTotals
}
