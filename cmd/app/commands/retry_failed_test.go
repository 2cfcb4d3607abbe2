package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/transaction/http/mocks"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

func TestRunRetryFailed(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	t.Run("text-output", func(t *testing.T) {
		mockUseCase := mocks.NewMockTransactionUseCase(t)
		mockUseCase.On("RetryFailed", ctx, 50).
			Return(transactionUseCase.RetryResult{Considered: 7, Enqueued: 5}, nil)

		var out bytes.Buffer
		err := RunRetryFailed(ctx, mockUseCase, logger, &out, 50, "text")

		require.NoError(t, err)
		require.Contains(t, out.String(), "Considered 7 failed transaction(s), enqueued 5 for retry")
	})

	t.Run("json-output", func(t *testing.T) {
		mockUseCase := mocks.NewMockTransactionUseCase(t)
		mockUseCase.On("RetryFailed", ctx, 10).
			Return(transactionUseCase.RetryResult{Considered: 2, Enqueued: 2}, nil)

		var out bytes.Buffer
		err := RunRetryFailed(ctx, mockUseCase, logger, &out, 10, "json")

		require.NoError(t, err)
		require.Contains(t, out.String(), `"considered": 2`)
		require.Contains(t, out.String(), `"enqueued": 2`)
	})

	t.Run("invalid-limit", func(t *testing.T) {
		mockUseCase := mocks.NewMockTransactionUseCase(t)

		err := RunRetryFailed(ctx, mockUseCase, logger, &bytes.Buffer{}, 0, "text")

		require.Error(t, err)
		require.Contains(t, err.Error(), "limit must be a positive number")
	})

	t.Run("use-case-error", func(t *testing.T) {
		mockUseCase := mocks.NewMockTransactionUseCase(t)
		mockUseCase.On("RetryFailed", ctx, 10).
			Return(transactionUseCase.RetryResult{}, errors.New("database down"))

		err := RunRetryFailed(ctx, mockUseCase, logger, &bytes.Buffer{}, 10, "text")

		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to retry failed transactions")
	})
}
