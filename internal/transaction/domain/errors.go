// Package domain defines the transaction entity, its state machine and domain errors.
package domain

import (
	"github.com/allisson/txpipeline/internal/errors"
)

// Transaction-specific error definitions.
var (
	// ErrTransactionNotFound indicates the transaction does not exist.
	ErrTransactionNotFound = errors.Wrap(errors.ErrNotFound, "transaction not found")

	// ErrInvalidTransition indicates a state-machine violation.
	ErrInvalidTransition = errors.Wrap(errors.ErrConflict, "invalid status transition")

	// ErrNotFraudApproved indicates the transaction has not passed the fraud check.
	ErrNotFraudApproved = errors.Wrap(errors.ErrConflict, "transaction not approved by antifraud")

	// ErrAntifraudAlreadySet indicates the fraud result was already recorded.
	ErrAntifraudAlreadySet = errors.Wrap(errors.ErrConflict, "antifraud result already recorded")

	// ErrCannotReverse indicates the transaction is not completed or was already reversed.
	ErrCannotReverse = errors.Wrap(errors.ErrConflict, "transaction cannot be reversed")

	// ErrCannotRetry indicates the transaction is not eligible for retry.
	ErrCannotRetry = errors.Wrap(errors.ErrConflict, "transaction cannot be retried")

	// ErrDuplicateTransaction indicates the external id or idempotency key is already used.
	ErrDuplicateTransaction = errors.Wrap(errors.ErrConflict, "transaction already exists")

	// ErrConcurrentUpdate indicates the row changed since it was read.
	ErrConcurrentUpdate = errors.Wrap(errors.ErrConflict, "transaction was modified concurrently")

	// ErrInvalidAmount indicates a negative amount.
	ErrInvalidAmount = errors.Wrap(errors.ErrInvalidInput, "amount must not be negative")
)
