// Package validation provides custom validation rules for the application.
package validation

import (
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/shopspring/decimal"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// MaxAmountScale is the number of decimal places an amount may carry.
const MaxAmountScale = 2

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// NoWhitespace validates that string doesn't contain leading/trailing whitespace
var NoWhitespace = validation.NewStringRuleWithError(
	func(s string) bool {
		return s == strings.TrimSpace(s)
	},
	validation.NewError("validation_no_whitespace", "must not contain leading or trailing whitespace"),
)

// NotBlank validates that a string is not empty after trimming whitespace
var NotBlank = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.TrimSpace(s) != ""
	},
	validation.NewError("validation_not_blank", "must not be blank"),
)

// CurrencyCode validates an ISO 4217 style code such as PEN or USD.
var CurrencyCode = validation.NewStringRuleWithError(
	func(s string) bool {
		return currencyRegex.MatchString(s)
	},
	validation.NewError("validation_currency_code", "must be a three-letter uppercase currency code"),
)

// Amount validates a decimal string that is zero or positive with at most MaxAmountScale
// decimal places. Empty strings are left to Required.
var Amount = validation.By(func(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_amount_type", "must be a string")
	}
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return validation.NewError("validation_amount_format", "must be a decimal number")
	}
	if d.IsNegative() {
		return validation.NewError("validation_amount_negative", "must not be negative")
	}
	if d.Exponent() < -MaxAmountScale {
		return validation.NewError("validation_amount_scale", "must have at most 2 decimal places")
	}
	return nil
})
