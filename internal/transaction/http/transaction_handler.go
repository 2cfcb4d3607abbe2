// Package http provides HTTP handlers for the transaction API and the operator endpoints.
package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/httputil"
	"github.com/allisson/txpipeline/internal/transaction/http/dto"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
	customValidation "github.com/allisson/txpipeline/internal/validation"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

// TransactionHandler handles HTTP requests for transaction operations.
type TransactionHandler struct {
	transactionUseCase transactionUseCase.TransactionUseCase
	logger             *slog.Logger
}

// NewTransactionHandler creates a new transaction handler.
func NewTransactionHandler(
	transactionUseCase transactionUseCase.TransactionUseCase,
	logger *slog.Logger,
) *TransactionHandler {
	return &TransactionHandler{
		transactionUseCase: transactionUseCase,
		logger:             logger,
	}
}

// CreateHandler creates a transaction and schedules its fraud check.
// POST /v1/transactions - Returns 201 Created. Repeating a request with the same idempotency
// key returns the original transaction.
func (h *TransactionHandler) CreateHandler(c *gin.Context) {
	var req dto.CreateTransactionRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}

	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return
	}

	input, err := req.ToInput()
	if err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	tx, err := h.transactionUseCase.Create(c.Request.Context(), input)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, dto.MapTransactionToResponse(tx))
}

// GetHandler retrieves a transaction by ID.
// GET /v1/transactions/:id
func (h *TransactionHandler) GetHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	tx, err := h.transactionUseCase.Get(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapTransactionToResponse(tx))
}

// GetByExternalIDHandler retrieves a transaction by its client correlation id.
// GET /v1/transactions/external/:externalId
func (h *TransactionHandler) GetByExternalIDHandler(c *gin.Context) {
	tx, err := h.transactionUseCase.GetByExternalID(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapTransactionToResponse(tx))
}

// ListByAccountHandler lists the transactions of an account, newest first.
// GET /v1/accounts/:accountId/transactions?offset=0&limit=50
func (h *TransactionHandler) ListByAccountHandler(c *gin.Context) {
	offset, limit, err := httputil.ParsePagination(c)
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	txs, err := h.transactionUseCase.ListByAccount(c.Request.Context(), c.Param("accountId"), limit, offset)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapTransactionsToListResponse(txs))
}

// ReverseHandler reverses a completed transaction.
// POST /v1/transactions/:id/reverse - Returns 201 Created with the compensating transaction.
func (h *TransactionHandler) ReverseHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	req, ok := h.bindReason(c)
	if !ok {
		return
	}

	reversal, err := h.transactionUseCase.Reverse(c.Request.Context(), id, req.Reason)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, dto.MapTransactionToResponse(reversal))
}

// RejectHandler rejects a transaction after manual fraud review.
// POST /v1/transactions/:id/reject
func (h *TransactionHandler) RejectHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	req, ok := h.bindReason(c)
	if !ok {
		return
	}

	tx, err := h.transactionUseCase.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapTransactionToResponse(tx))
}

// RetryHandler puts a failed transaction back into the processing queue.
// POST /v1/transactions/:id/retry - Returns 202 Accepted.
func (h *TransactionHandler) RetryHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.transactionUseCase.Retry(c.Request.Context(), id); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "enqueued"})
}

// ProcessHandler enqueues a fraud-approved transaction for processing right away.
// POST /v1/transactions/:id/process - Returns 202 Accepted.
func (h *TransactionHandler) ProcessHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.transactionUseCase.EnqueueProcessing(c.Request.Context(), id); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "enqueued"})
}

// StatisticsHandler aggregates transactions by status.
// GET /v1/statistics?from=RFC3339&to=RFC3339
func (h *TransactionHandler) StatisticsHandler(c *gin.Context) {
	from, to, err := httputil.ParseTimeRange(c)
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	stats, err := h.transactionUseCase.Statistics(c.Request.Context(), from, to)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapStatisticsToResponse(stats))
}

func (h *TransactionHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c,
			fmt.Errorf("invalid transaction ID format: must be a valid UUID"),
			h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *TransactionHandler) bindReason(c *gin.Context) (dto.ReasonRequest, bool) {
	var req dto.ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return req, false
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return req, false
	}
	return req, true
}
