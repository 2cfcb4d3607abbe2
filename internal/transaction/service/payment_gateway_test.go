package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/resilience"
	"github.com/allisson/txpipeline/internal/transaction/domain"
)

// MockPaymentGateway is a mock implementation of PaymentGateway
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Execute(ctx context.Context, tx *domain.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func newTransaction(t *testing.T) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionInput{
		ExternalID:      "ext-1",
		Amount:          decimal.RequireFromString("42.10"),
		SourceAccountID: "acc-a",
		TargetAccountID: "acc-b",
	}, time.Now())
	require.NoError(t, err)
	return tx
}

func TestNoopGateway_Execute(t *testing.T) {
	g := NewNoopGateway(nil)
	assert.NoError(t, g.Execute(context.Background(), newTransaction(t)))
}

func TestHTTPGateway_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("posts payment with idempotency key", func(t *testing.T) {
		tx := newTransaction(t)
		var got paymentRequest
		var key string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			key = r.Header.Get("Idempotency-Key")
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		err := NewHTTPGateway(server.URL, time.Second).Execute(ctx, tx)

		require.NoError(t, err)
		assert.Equal(t, tx.ID.String(), key)
		assert.Equal(t, "42.1", got.Amount)
		assert.Equal(t, "PEN", got.Currency)
		assert.Equal(t, "acc-a", got.SourceAccountID)
		assert.Equal(t, "acc-b", got.TargetAccountID)
	})

	tests := []struct {
		name      string
		status    int
		wantError error
	}{
		{name: "decline", status: http.StatusUnprocessableEntity, wantError: ErrPaymentDeclined},
		{name: "rate limited", status: http.StatusTooManyRequests, wantError: apperrors.ErrUnavailable},
		{name: "timeout", status: http.StatusRequestTimeout, wantError: apperrors.ErrUnavailable},
		{name: "server error", status: http.StatusBadGateway, wantError: apperrors.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			err := NewHTTPGateway(server.URL, time.Second).Execute(ctx, newTransaction(t))

			assert.ErrorIs(t, err, tt.wantError)
			assert.Contains(t, err.Error(), "nope")
		})
	}

	t.Run("unreachable gateway is transient", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		err := NewHTTPGateway(url, time.Second).Execute(ctx, newTransaction(t))

		assert.ErrorIs(t, err, apperrors.ErrUnavailable)
		assert.True(t, apperrors.IsTransient(err))
	})
}

func TestResilientGateway_Execute(t *testing.T) {
	ctx := context.Background()
	retry := resilience.RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		Backoff:     resilience.BackoffFixed,
		IsRetryable: apperrors.IsTransient,
	}

	t.Run("retries transient failures", func(t *testing.T) {
		tx := newTransaction(t)
		next := &MockPaymentGateway{}
		next.On("Execute", mock.Anything, tx).Return(apperrors.ErrUnavailable).Twice()
		next.On("Execute", mock.Anything, tx).Return(nil).Once()
		breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("payment"))

		err := NewResilientGateway(next, breaker, retry).Execute(ctx, tx)

		require.NoError(t, err)
		next.AssertExpectations(t)
		assert.Equal(t, resilience.StateClosed, breaker.State())
	})

	t.Run("declines are not retried", func(t *testing.T) {
		tx := newTransaction(t)
		next := &MockPaymentGateway{}
		next.On("Execute", mock.Anything, tx).Return(ErrPaymentDeclined).Once()
		cfg := resilience.DefaultCircuitBreakerConfig("payment")
		cfg.FailureThreshold = 1
		breaker := resilience.NewCircuitBreaker(cfg)

		err := NewResilientGateway(next, breaker, retry).Execute(ctx, tx)

		assert.ErrorIs(t, err, ErrPaymentDeclined)
		next.AssertNumberOfCalls(t, "Execute", 1)
		assert.Equal(t, resilience.StateClosed, breaker.State())
	})

	t.Run("open circuit rejects without calling gateway", func(t *testing.T) {
		tx := newTransaction(t)
		var calls atomic.Int32
		next := gatewayFunc(func(context.Context, *domain.Transaction) error {
			calls.Add(1)
			return errors.New("connection refused")
		})
		cfg := resilience.DefaultCircuitBreakerConfig("payment")
		cfg.FailureThreshold = 1
		breaker := resilience.NewCircuitBreaker(cfg)
		g := NewResilientGateway(next, breaker, retry)

		assert.Error(t, g.Execute(ctx, tx))
		assert.Equal(t, int32(3), calls.Load())

		err := g.Execute(ctx, tx)

		assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
		assert.Equal(t, int32(3), calls.Load())
		assert.Same(t, breaker, g.Breaker())
	})
}

type gatewayFunc func(ctx context.Context, tx *domain.Transaction) error

func (f gatewayFunc) Execute(ctx context.Context, tx *domain.Transaction) error {
	return f(ctx, tx)
}
