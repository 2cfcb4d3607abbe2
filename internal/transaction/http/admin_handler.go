package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	dlqDomain "github.com/allisson/txpipeline/internal/dlq/domain"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	eventUseCase "github.com/allisson/txpipeline/internal/event/usecase"
	"github.com/allisson/txpipeline/internal/httputil"
	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/resilience"
	"github.com/allisson/txpipeline/internal/transaction/http/dto"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
	customValidation "github.com/allisson/txpipeline/internal/validation"
)

var (
	// ErrQueueNotFound indicates no pipeline is registered under the requested name.
	ErrQueueNotFound = apperrors.Wrap(apperrors.ErrNotFound, "queue not found")

	// ErrCircuitBreakerNotFound indicates no breaker has the requested name.
	ErrCircuitBreakerNotFound = apperrors.Wrap(apperrors.ErrNotFound, "circuit breaker not found")

	// ErrDLQDisabled indicates the dead-letter queue is not configured.
	ErrDLQDisabled = apperrors.Wrap(apperrors.ErrUnavailable, "dead letter queue disabled")
)

// maxBatchLimit bounds DLQ listings and retry sweeps triggered over HTTP.
const maxBatchLimit = 1000

// QueueController is the operator view of a job queue. Implemented by queue.Pipeline.
type QueueController interface {
	Status(ctx context.Context) (*queue.QueueStatus, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context, grace time.Duration, state queue.JobState) (int, error)
	Drain(ctx context.Context) error
}

// EventAdmin is the operator view of the event bus.
type EventAdmin interface {
	Statistics() eventUseCase.Statistics
	ReplayEvents(ctx context.Context, from, to time.Time, eventTypes []string) (int, error)
}

// AdminHandler handles operator requests: queue control, DLQ inspection and replay, event
// replay, retry sweeps and circuit breaker state.
type AdminHandler struct {
	queues             map[string]QueueController
	dlq                dlqUseCase.UseCase
	events             EventAdmin
	transactionUseCase transactionUseCase.TransactionUseCase
	breakers           []*resilience.CircuitBreaker
	retryBatchSize     int
	logger             *slog.Logger
}

// NewAdminHandler creates an AdminHandler. dlq may be nil when the DLQ is disabled.
func NewAdminHandler(
	queues map[string]QueueController,
	dlq dlqUseCase.UseCase,
	events EventAdmin,
	transactionUseCase transactionUseCase.TransactionUseCase,
	breakers []*resilience.CircuitBreaker,
	retryBatchSize int,
	logger *slog.Logger,
) *AdminHandler {
	if retryBatchSize <= 0 {
		retryBatchSize = 100
	}
	return &AdminHandler{
		queues:             queues,
		dlq:                dlq,
		events:             events,
		transactionUseCase: transactionUseCase,
		breakers:           breakers,
		retryBatchSize:     retryBatchSize,
		logger:             logger,
	}
}

// QueueStatusHandler returns job counts, pause flag, metrics and breaker state of a queue.
// GET /v1/admin/queues/:queue
func (h *AdminHandler) QueueStatusHandler(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}

	status, err := q.Status(c.Request.Context())
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, status)
}

// PauseQueueHandler stops delivery of new jobs.
// POST /v1/admin/queues/:queue/pause
func (h *AdminHandler) PauseQueueHandler(c *gin.Context) {
	h.queueAction(c, "paused", func(ctx context.Context, q QueueController) error {
		return q.Pause(ctx)
	})
}

// ResumeQueueHandler restarts delivery.
// POST /v1/admin/queues/:queue/resume
func (h *AdminHandler) ResumeQueueHandler(c *gin.Context) {
	h.queueAction(c, "resumed", func(ctx context.Context, q QueueController) error {
		return q.Resume(ctx)
	})
}

// DrainQueueHandler removes waiting and delayed jobs.
// POST /v1/admin/queues/:queue/drain
func (h *AdminHandler) DrainQueueHandler(c *gin.Context) {
	h.queueAction(c, "drained", func(ctx context.Context, q QueueController) error {
		return q.Drain(ctx)
	})
}

// CleanQueueHandler removes finished jobs older than the grace period.
// POST /v1/admin/queues/:queue/clean
func (h *AdminHandler) CleanQueueHandler(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}

	var req dto.CleanQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return
	}

	removed, err := q.Clean(c.Request.Context(), req.Grace(), queue.JobState(req.State))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue": c.Param("queue"), "removed": removed})
}

// DLQStatsHandler returns DLQ statistics per originating queue.
// GET /v1/admin/dlq/stats?queue=name
func (h *AdminHandler) DLQStatsHandler(c *gin.Context) {
	dlq, ok := h.deadLetterQueue(c)
	if !ok {
		return
	}

	stats, err := dlq.Stats(c.Request.Context(), c.Query("queue"))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// DLQMessagesHandler lists dead-lettered messages awaiting retry, or the archived permanent
// failures when permanent=true.
// GET /v1/admin/dlq/:queue/messages?limit=50&permanent=false
func (h *AdminHandler) DLQMessagesHandler(c *gin.Context) {
	dlq, ok := h.deadLetterQueue(c)
	if !ok {
		return
	}

	limit, err := httputil.ParseLimit(c, 50, maxBatchLimit)
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}
	permanent := false
	if raw := c.Query("permanent"); raw != "" {
		if permanent, err = strconv.ParseBool(raw); err != nil {
			httputil.HandleBadRequestGin(c, fmt.Errorf("invalid permanent parameter: must be a boolean"), h.logger)
			return
		}
	}

	var messages []*dlqDomain.Message
	if permanent {
		messages, err = dlq.PermanentFailures(c.Request.Context(), c.Param("queue"), limit)
	} else {
		messages, err = dlq.Messages(c.Request.Context(), c.Param("queue"), limit)
	}
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}
	if messages == nil {
		messages = []*dlqDomain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"data": messages})
}

// DLQClearHandler removes every message of a queue from the DLQ.
// DELETE /v1/admin/dlq/:queue/messages
func (h *AdminHandler) DLQClearHandler(c *gin.Context) {
	dlq, ok := h.deadLetterQueue(c)
	if !ok {
		return
	}

	removed, err := dlq.Clear(c.Request.Context(), c.Param("queue"))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue": c.Param("queue"), "removed": removed})
}

// DLQReplayHandler re-drives one dead-lettered message, permanent failures included.
// POST /v1/admin/dlq/:queue/messages/:id/replay
func (h *AdminHandler) DLQReplayHandler(c *gin.Context) {
	dlq, ok := h.deadLetterQueue(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c,
			fmt.Errorf("invalid message ID format: must be a valid UUID"),
			h.logger)
		return
	}

	if err := dlq.Replay(c.Request.Context(), c.Param("queue"), id); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "replayed"})
}

// DLQProcessHandler runs one DLQ sweep over a queue.
// POST /v1/admin/dlq/:queue/process
func (h *AdminHandler) DLQProcessHandler(c *gin.Context) {
	dlq, ok := h.deadLetterQueue(c)
	if !ok {
		return
	}

	result, err := dlq.ProcessMessages(c.Request.Context(), c.Param("queue"))
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, result)
}

// EventStatisticsHandler returns the event bus state.
// GET /v1/admin/events/statistics
func (h *AdminHandler) EventStatisticsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.events.Statistics())
}

// ReplayEventsHandler re-delivers historical events from the event log.
// POST /v1/admin/events/replay
func (h *AdminHandler) ReplayEventsHandler(c *gin.Context) {
	var req dto.ReplayEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return
	}

	replayed, err := h.events.ReplayEvents(c.Request.Context(), req.From, req.To, req.EventTypes)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}

// RetryFailedHandler runs one retry sweep over failed transactions.
// POST /v1/admin/retry-failed?limit=100
func (h *AdminHandler) RetryFailedHandler(c *gin.Context) {
	limit, err := httputil.ParseLimit(c, h.retryBatchSize, maxBatchLimit)
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	result, err := h.transactionUseCase.RetryFailed(c.Request.Context(), limit)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, result)
}

// CircuitBreakersHandler returns the metrics of every circuit breaker.
// GET /v1/admin/circuit-breakers
func (h *AdminHandler) CircuitBreakersHandler(c *gin.Context) {
	data := make([]resilience.BreakerMetrics, 0, len(h.breakers))
	for _, b := range h.breakers {
		data = append(data, b.Metrics())
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// ResetCircuitBreakerHandler forces a breaker back to CLOSED.
// POST /v1/admin/circuit-breakers/:name/reset
func (h *AdminHandler) ResetCircuitBreakerHandler(c *gin.Context) {
	name := c.Param("name")
	for _, b := range h.breakers {
		if b.Name() == name {
			b.Reset()
			h.logger.Info("circuit breaker reset", slog.String("name", name))
			c.JSON(http.StatusOK, b.Metrics())
			return
		}
	}
	httputil.HandleErrorGin(c, ErrCircuitBreakerNotFound, h.logger)
}

func (h *AdminHandler) queue(c *gin.Context) (QueueController, bool) {
	q, ok := h.queues[c.Param("queue")]
	if !ok {
		httputil.HandleErrorGin(c, ErrQueueNotFound, h.logger)
		return nil, false
	}
	return q, true
}

func (h *AdminHandler) queueAction(
	c *gin.Context,
	status string,
	fn func(ctx context.Context, q QueueController) error,
) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), q); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("queue"), "status": status})
}

func (h *AdminHandler) deadLetterQueue(c *gin.Context) (dlqUseCase.UseCase, bool) {
	if h.dlq == nil {
		httputil.HandleErrorGin(c, ErrDLQDisabled, h.logger)
		return nil, false
	}
	return h.dlq, true
}
