// Package dto provides data transfer objects for HTTP request and response handling.
package dto

import (
	"strings"
	"time"

	validation "github.com/jellydator/validation"
	"github.com/shopspring/decimal"

	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/transaction/domain"
	customValidation "github.com/allisson/txpipeline/internal/validation"
)

// CreateTransactionRequest contains the parameters for creating a transaction.
// Amount is a decimal string to avoid float rounding.
type CreateTransactionRequest struct {
	ExternalID      string         `json:"external_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Type            string         `json:"type"`
	Amount          string         `json:"amount"`
	Currency        string         `json:"currency"`
	SourceAccountID string         `json:"source_account_id"`
	TargetAccountID string         `json:"target_account_id"`
	Metadata        map[string]any `json:"metadata"`
}

// Validate checks if the create transaction request is valid.
func (r *CreateTransactionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ExternalID,
			validation.Required,
			customValidation.NotBlank,
			customValidation.NoWhitespace,
			validation.Length(1, 255),
		),
		validation.Field(&r.IdempotencyKey,
			customValidation.NoWhitespace,
			validation.Length(0, 255),
		),
		validation.Field(&r.Type,
			validation.In(
				string(domain.TypeP2P),
				string(domain.TypePayment),
				string(domain.TypeCashIn),
				string(domain.TypeCashOut),
			),
		),
		validation.Field(&r.Amount,
			validation.Required,
			customValidation.Amount,
		),
		validation.Field(&r.Currency,
			customValidation.CurrencyCode,
		),
		validation.Field(&r.SourceAccountID,
			validation.Required,
			customValidation.NotBlank,
			validation.Length(1, 255),
		),
		validation.Field(&r.TargetAccountID,
			validation.Required,
			customValidation.NotBlank,
			validation.Length(1, 255),
		),
	)
}

// ToInput converts the request to the domain input. It must be called after Validate.
func (r *CreateTransactionRequest) ToInput() (domain.NewTransactionInput, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return domain.NewTransactionInput{}, err
	}

	var idempotencyKey *string
	if key := strings.TrimSpace(r.IdempotencyKey); key != "" {
		idempotencyKey = &key
	}

	return domain.NewTransactionInput{
		ExternalID:      r.ExternalID,
		IdempotencyKey:  idempotencyKey,
		Type:            domain.Type(r.Type),
		Amount:          amount,
		Currency:        r.Currency,
		SourceAccountID: r.SourceAccountID,
		TargetAccountID: r.TargetAccountID,
		Metadata:        r.Metadata,
	}, nil
}

// ReasonRequest carries the operator reason of a reversal or a manual rejection.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Validate checks if the reason request is valid.
func (r *ReasonRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Reason,
			validation.Required,
			customValidation.NotBlank,
			validation.Length(1, 500),
		),
	)
}

// CleanQueueRequest selects finished jobs to remove from a queue.
type CleanQueueRequest struct {
	GraceSeconds int    `json:"grace_seconds"`
	State        string `json:"state"`
}

// Validate checks if the clean queue request is valid.
func (r *CleanQueueRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.GraceSeconds, validation.Min(0)),
		validation.Field(&r.State,
			validation.Required,
			validation.In(string(queue.JobStateCompleted), string(queue.JobStateFailed)),
		),
	)
}

// Grace returns the grace period as a duration.
func (r *CleanQueueRequest) Grace() time.Duration {
	return time.Duration(r.GraceSeconds) * time.Second
}

// ReplayEventsRequest selects historical events to re-deliver.
type ReplayEventsRequest struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	EventTypes []string  `json:"event_types"`
}

// Validate checks if the replay request is valid.
func (r *ReplayEventsRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.From, validation.Required),
		validation.Field(&r.To,
			validation.Required,
			validation.By(func(value interface{}) error {
				to, _ := value.(time.Time)
				if !r.From.IsZero() && to.Before(r.From) {
					return validation.NewError("validation_time_range", "must not be before from")
				}
				return nil
			}),
		),
		validation.Field(&r.EventTypes,
			validation.Each(validation.Required, customValidation.NoWhitespace),
		),
	)
}
