package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/txpipeline/internal/transaction/domain"
	"github.com/allisson/txpipeline/internal/transaction/http/dto"
	"github.com/allisson/txpipeline/internal/transaction/http/mocks"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func setupTestHandler(t *testing.T) (*TransactionHandler, *mocks.MockTransactionUseCase) {
	t.Helper()

	mockUseCase := mocks.NewMockTransactionUseCase(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewTransactionHandler(mockUseCase, logger), mockUseCase
}

// createTestContext creates a gin context with a JSON body and path params.
func createTestContext(
	method, path string,
	body interface{},
	params ...gin.Param,
) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = bytes.NewBufferString(b)
	default:
		bodyBytes, _ := json.Marshal(b)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = params

	return c, w
}

func newTestTransaction() *domain.Transaction {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	return &domain.Transaction{
		ID:              uuid.Must(uuid.NewV7()),
		ExternalID:      "ext-1",
		Type:            domain.TypeP2P,
		Amount:          decimal.RequireFromString("150.5"),
		Currency:        "PEN",
		SourceAccountID: "acc-1",
		TargetAccountID: "acc-2",
		Status:          domain.StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestTransactionHandler_CreateHandler(t *testing.T) {
	t.Run("Success_ValidRequest", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		tx := newTestTransaction()

		mockUseCase.On("Create", mock.Anything, mock.MatchedBy(func(in domain.NewTransactionInput) bool {
			return in.ExternalID == "ext-1" &&
				in.Amount.Equal(decimal.RequireFromString("150.50")) &&
				in.IdempotencyKey != nil && *in.IdempotencyKey == "idem-1" &&
				in.Type == domain.TypeP2P &&
				in.Metadata["channel"] == "app"
		})).Return(tx, nil).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions", dto.CreateTransactionRequest{
			ExternalID:      "ext-1",
			IdempotencyKey:  "idem-1",
			Type:            "P2P",
			Amount:          "150.50",
			SourceAccountID: "acc-1",
			TargetAccountID: "acc-2",
			Metadata:        map[string]any{"channel": "app"},
		})

		handler.CreateHandler(c)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response dto.TransactionResponse
		decodeBody(t, w, &response)
		assert.Equal(t, tx.ID.String(), response.ID)
		assert.Equal(t, "150.50", response.Amount)
		assert.Equal(t, "PENDING", response.Status)
	})

	t.Run("Success_IdempotencyKeyFromHeader", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)

		mockUseCase.On("Create", mock.Anything, mock.MatchedBy(func(in domain.NewTransactionInput) bool {
			return in.IdempotencyKey != nil && *in.IdempotencyKey == "from-header"
		})).Return(newTestTransaction(), nil).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions", dto.CreateTransactionRequest{
			ExternalID:      "ext-1",
			Amount:          "10",
			SourceAccountID: "acc-1",
			TargetAccountID: "acc-2",
		})
		c.Request.Header.Set(IdempotencyKeyHeader, "from-header")

		handler.CreateHandler(c)

		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("Error_InvalidJSON", func(t *testing.T) {
		handler, _ := setupTestHandler(t)

		c, w := createTestContext(http.MethodPost, "/v1/transactions", `{"external_id":`)

		handler.CreateHandler(c)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Error_ValidationFailed", func(t *testing.T) {
		tests := []struct {
			name string
			req  dto.CreateTransactionRequest
		}{
			{name: "missing external id", req: dto.CreateTransactionRequest{Amount: "1", SourceAccountID: "a", TargetAccountID: "b"}},
			{name: "negative amount", req: dto.CreateTransactionRequest{ExternalID: "e", Amount: "-1", SourceAccountID: "a", TargetAccountID: "b"}},
			{name: "too many decimals", req: dto.CreateTransactionRequest{ExternalID: "e", Amount: "1.005", SourceAccountID: "a", TargetAccountID: "b"}},
			{name: "unknown type", req: dto.CreateTransactionRequest{ExternalID: "e", Type: "WIRE", Amount: "1", SourceAccountID: "a", TargetAccountID: "b"}},
			{name: "bad currency", req: dto.CreateTransactionRequest{ExternalID: "e", Currency: "usd", Amount: "1", SourceAccountID: "a", TargetAccountID: "b"}},
			{name: "missing target", req: dto.CreateTransactionRequest{ExternalID: "e", Amount: "1", SourceAccountID: "a"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				handler, _ := setupTestHandler(t)
				c, w := createTestContext(http.MethodPost, "/v1/transactions", tt.req)

				handler.CreateHandler(c)

				assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			})
		}
	})

	t.Run("Error_Duplicate", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		mockUseCase.On("Create", mock.Anything, mock.Anything).Return(nil, domain.ErrDuplicateTransaction).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions", dto.CreateTransactionRequest{
			ExternalID: "ext-1", Amount: "10", SourceAccountID: "acc-1", TargetAccountID: "acc-2",
		})

		handler.CreateHandler(c)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestTransactionHandler_GetHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		tx := newTestTransaction()
		reversalID := uuid.Must(uuid.NewV7())
		tx.ReversalTransactionID = &reversalID
		tx.Status = domain.StatusReversed
		mockUseCase.On("Get", mock.Anything, tx.ID).Return(tx, nil).Once()

		c, w := createTestContext(http.MethodGet, "/v1/transactions/"+tx.ID.String(), nil,
			gin.Param{Key: "id", Value: tx.ID.String()})

		handler.GetHandler(c)

		assert.Equal(t, http.StatusOK, w.Code)
		var response dto.TransactionResponse
		decodeBody(t, w, &response)
		assert.Equal(t, "REVERSED", response.Status)
		require.NotNil(t, response.ReversalTransactionID)
		assert.Equal(t, reversalID.String(), *response.ReversalTransactionID)
	})

	t.Run("Error_InvalidUUID", func(t *testing.T) {
		handler, _ := setupTestHandler(t)
		c, w := createTestContext(http.MethodGet, "/v1/transactions/nope", nil, gin.Param{Key: "id", Value: "nope"})

		handler.GetHandler(c)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("Get", mock.Anything, id).Return(nil, domain.ErrTransactionNotFound).Once()

		c, w := createTestContext(http.MethodGet, "/v1/transactions/"+id.String(), nil,
			gin.Param{Key: "id", Value: id.String()})

		handler.GetHandler(c)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTransactionHandler_GetByExternalIDHandler(t *testing.T) {
	handler, mockUseCase := setupTestHandler(t)
	tx := newTestTransaction()
	mockUseCase.On("GetByExternalID", mock.Anything, "ext-1").Return(tx, nil).Once()

	c, w := createTestContext(http.MethodGet, "/v1/transactions/external/ext-1", nil,
		gin.Param{Key: "externalId", Value: "ext-1"})

	handler.GetByExternalIDHandler(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTransactionHandler_ListByAccountHandler(t *testing.T) {
	t.Run("Success_Pagination", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		mockUseCase.On("ListByAccount", mock.Anything, "acc-1", 10, 20).
			Return([]*domain.Transaction{newTestTransaction(), newTestTransaction()}, nil).Once()

		c, w := createTestContext(http.MethodGet, "/v1/accounts/acc-1/transactions?offset=20&limit=10", nil,
			gin.Param{Key: "accountId", Value: "acc-1"})

		handler.ListByAccountHandler(c)

		assert.Equal(t, http.StatusOK, w.Code)
		var response dto.ListTransactionsResponse
		decodeBody(t, w, &response)
		assert.Len(t, response.Data, 2)
	})

	t.Run("Success_EmptyList", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		mockUseCase.On("ListByAccount", mock.Anything, "acc-1", 50, 0).Return([]*domain.Transaction{}, nil).Once()

		c, w := createTestContext(http.MethodGet, "/v1/accounts/acc-1/transactions", nil,
			gin.Param{Key: "accountId", Value: "acc-1"})

		handler.ListByAccountHandler(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("Error_InvalidLimit", func(t *testing.T) {
		handler, _ := setupTestHandler(t)
		c, w := createTestContext(http.MethodGet, "/v1/accounts/acc-1/transactions?limit=abc", nil,
			gin.Param{Key: "accountId", Value: "acc-1"})

		handler.ListByAccountHandler(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTransactionHandler_ReverseHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		original := newTestTransaction()
		reversal := newTestTransaction()
		reversal.SourceAccountID, reversal.TargetAccountID = original.TargetAccountID, original.SourceAccountID
		mockUseCase.On("Reverse", mock.Anything, original.ID, "customer request").Return(reversal, nil).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+original.ID.String()+"/reverse",
			dto.ReasonRequest{Reason: "customer request"},
			gin.Param{Key: "id", Value: original.ID.String()})

		handler.ReverseHandler(c)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response dto.TransactionResponse
		decodeBody(t, w, &response)
		assert.Equal(t, reversal.ID.String(), response.ID)
		assert.Equal(t, "acc-2", response.SourceAccountID)
	})

	t.Run("Error_MissingReason", func(t *testing.T) {
		handler, _ := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/reverse",
			dto.ReasonRequest{Reason: "   "},
			gin.Param{Key: "id", Value: id.String()})

		handler.ReverseHandler(c)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Error_AlreadyReversed", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("Reverse", mock.Anything, id, "again").Return(nil, domain.ErrCannotReverse).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/reverse",
			dto.ReasonRequest{Reason: "again"},
			gin.Param{Key: "id", Value: id.String()})

		handler.ReverseHandler(c)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestTransactionHandler_RejectHandler(t *testing.T) {
	handler, mockUseCase := setupTestHandler(t)
	tx := newTestTransaction()
	tx.Status = domain.StatusRejected
	tx.AntifraudStatus = domain.AntifraudRejected
	mockUseCase.On("Reject", mock.Anything, tx.ID, "manual review").Return(tx, nil).Once()

	c, w := createTestContext(http.MethodPost, "/v1/transactions/"+tx.ID.String()+"/reject",
		dto.ReasonRequest{Reason: "manual review"},
		gin.Param{Key: "id", Value: tx.ID.String()})

	handler.RejectHandler(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response dto.TransactionResponse
	decodeBody(t, w, &response)
	assert.Equal(t, "REJECTED", response.Status)
	assert.Equal(t, "REJECTED", response.AntifraudStatus)
}

func TestTransactionHandler_RetryHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("Retry", mock.Anything, id).Return(nil).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/retry", nil,
			gin.Param{Key: "id", Value: id.String()})

		handler.RetryHandler(c)

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("Error_NotRetryable", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("Retry", mock.Anything, id).Return(domain.ErrCannotRetry).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/retry", nil,
			gin.Param{Key: "id", Value: id.String()})

		handler.RetryHandler(c)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestTransactionHandler_ProcessHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("EnqueueProcessing", mock.Anything, id).Return(nil).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/process", nil,
			gin.Param{Key: "id", Value: id.String()})

		handler.ProcessHandler(c)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, `{"id":"`+id.String()+`","status":"enqueued"}`, w.Body.String())
	})

	t.Run("Error_NotFraudApproved", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		id := uuid.Must(uuid.NewV7())
		mockUseCase.On("EnqueueProcessing", mock.Anything, id).Return(domain.ErrNotFraudApproved).Once()

		c, w := createTestContext(http.MethodPost, "/v1/transactions/"+id.String()+"/process", nil,
			gin.Param{Key: "id", Value: id.String()})

		handler.ProcessHandler(c)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Error_InvalidID", func(t *testing.T) {
		handler, _ := setupTestHandler(t)

		c, w := createTestContext(http.MethodPost, "/v1/transactions/nope/process", nil,
			gin.Param{Key: "id", Value: "nope"})

		handler.ProcessHandler(c)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestTransactionHandler_StatisticsHandler(t *testing.T) {
	t.Run("Success_WithRange", func(t *testing.T) {
		handler, mockUseCase := setupTestHandler(t)
		from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

		stats := &domain.Statistics{
			From: &from,
			To:   &to,
			ByStatus: map[domain.Status]domain.StatusTotals{
				domain.StatusCompleted: {Count: 2, Amount: decimal.RequireFromString("30")},
				domain.StatusFailed:    {Count: 1, Amount: decimal.RequireFromString("5.5")},
			},
			Total: domain.StatusTotals{Count: 3, Amount: decimal.RequireFromString("35.5")},
		}
		mockUseCase.On("Statistics", mock.Anything,
			mock.MatchedBy(func(f *time.Time) bool { return f != nil && f.Equal(from) }),
			mock.MatchedBy(func(v *time.Time) bool { return v != nil && v.Equal(to) }),
		).Return(stats, nil).Once()

		c, w := createTestContext(http.MethodGet,
			"/v1/statistics?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)

		handler.StatisticsHandler(c)

		assert.Equal(t, http.StatusOK, w.Code)
		var response dto.StatisticsResponse
		decodeBody(t, w, &response)
		assert.Equal(t, "35.50", response.Total.Amount)
		assert.Equal(t, int64(2), response.ByStatus["COMPLETED"].Count)
	})

	t.Run("Error_InvalidRange", func(t *testing.T) {
		handler, _ := setupTestHandler(t)
		c, w := createTestContext(http.MethodGet,
			"/v1/statistics?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil)

		handler.StatisticsHandler(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
