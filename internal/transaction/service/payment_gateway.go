// Package service provides the payment side effect executed by transaction processing.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/resilience"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// ErrPaymentDeclined is returned when the gateway refuses a payment.
var ErrPaymentDeclined = apperrors.Wrap(apperrors.ErrInvalidInput, "payment declined")

// PaymentGateway executes the money movement of a transaction.
type PaymentGateway interface {
	Execute(ctx context.Context, tx *domain.Transaction) error
}

// NoopGateway settles every payment immediately. It is used when no gateway URL is configured.
type NoopGateway struct {
	logger *slog.Logger
}

// NewNoopGateway creates a NoopGateway.
func NewNoopGateway(logger *slog.Logger) *NoopGateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NoopGateway{logger: logger}
}

// Execute logs the payment and returns nil.
func (g *NoopGateway) Execute(ctx context.Context, tx *domain.Transaction) error {
	g.logger.DebugContext(ctx, "payment settled",
		slog.String("transaction_id", tx.ID.String()),
		slog.String("amount", tx.Amount.String()),
		slog.String("currency", tx.Currency),
	)
	return nil
}

type paymentRequest struct {
	TransactionID   string `json:"transactionId"`
	ExternalID      string `json:"externalId"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	SourceAccountID string `json:"sourceAccountId"`
	TargetAccountID string `json:"targetAccountId"`
}

// HTTPGateway posts payments to an external HTTP endpoint. The transaction id is sent as the
// Idempotency-Key header so that a retried request settles at most once.
type HTTPGateway struct {
	url    string
	client *http.Client
}

// NewHTTPGateway creates an HTTPGateway posting to url with a per-request timeout.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Execute posts the payment. 4xx answers other than 408 and 429 are declines; every other
// failure is transient.
func (g *HTTPGateway) Execute(ctx context.Context, tx *domain.Transaction) error {
	body, err := json.Marshal(paymentRequest{
		TransactionID:   tx.ID.String(),
		ExternalID:      tx.ExternalID,
		Type:            string(tx.Type),
		Amount:          tx.Amount.String(),
		Currency:        tx.Currency,
		SourceAccountID: tx.SourceAccountID,
		TargetAccountID: tx.TargetAccountID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", tx.ID.String())

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrUnavailable, "payment gateway: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.Wrap(apperrors.ErrUnavailable, "payment gateway "+detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.Wrap(ErrPaymentDeclined, detail)
	default:
		return apperrors.Wrap(apperrors.ErrUnavailable, "payment gateway "+detail)
	}
}

// ResilientGateway guards a PaymentGateway with a circuit breaker around a retry policy.
// Declines are neither retried nor counted as breaker failures.
type ResilientGateway struct {
	next    PaymentGateway
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewResilientGateway creates a ResilientGateway.
func NewResilientGateway(
	next PaymentGateway,
	breaker *resilience.CircuitBreaker,
	retry resilience.RetryPolicy,
) *ResilientGateway {
	return &ResilientGateway{next: next, breaker: breaker, retry: retry}
}

// Execute runs the payment through the breaker and the retry policy.
func (g *ResilientGateway) Execute(ctx context.Context, tx *domain.Transaction) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.retry.Do(ctx, func(ctx context.Context) error {
			return g.next.Execute(ctx, tx)
		})
	})
}

// Breaker exposes the circuit breaker for status reporting.
func (g *ResilientGateway) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}
