package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/allisson/txpipeline/internal/config"
	dlqDomain "github.com/allisson/txpipeline/internal/dlq/domain"
	dlqRepository "github.com/allisson/txpipeline/internal/dlq/repository"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
	"github.com/allisson/txpipeline/internal/metrics"
	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/resilience"
	transactionDomain "github.com/allisson/txpipeline/internal/transaction/domain"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

const (
	queueKeyPrefix        = "txpipeline:jobs"
	dlqKeyPrefix          = "txpipeline:dlq"
	queuePollInterval     = 500 * time.Millisecond
	gatewayBreakerName    = "payment-gateway"
	gatewayRetryAttempts  = 3
	gatewayRetryBaseDelay = 500 * time.Millisecond
)

// QueueTransport returns the job queue transport selected by QUEUE_DRIVER.
func (c *Container) QueueTransport() (queue.Transport, error) {
	return lazy(c, &c.queueTransportInit, "queueTransport", &c.queueTransport, c.initQueueTransport)
}

// DLQRepository returns the dead-letter store selected by DLQ_DRIVER.
func (c *Container) DLQRepository() (dlqUseCase.Repository, error) {
	return lazy(c, &c.dlqRepositoryInit, "dlqRepository", &c.dlqRepository, c.initDLQRepository)
}

// DeadLetterQueue returns the dead-letter queue, or nil when DLQ_ENABLED is false.
func (c *Container) DeadLetterQueue() (*dlqUseCase.DeadLetterQueue, error) {
	return lazy(c, &c.deadLetterQueueInit, "deadLetterQueue", &c.deadLetterQueue, c.initDeadLetterQueue)
}

// FraudCheckPipeline returns the fraud-check queue with its job body registered.
func (c *Container) FraudCheckPipeline() (*FraudCheckPipeline, error) {
	pipeline, err := c.fraudCheckQueue()
	if err != nil {
		return nil, err
	}
	if err := c.registerJobBodies(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// ProcessingPipeline returns the transaction-processing queue with its job body registered.
func (c *Container) ProcessingPipeline() (*ProcessingPipeline, error) {
	pipeline, err := c.processingQueue()
	if err != nil {
		return nil, err
	}
	if err := c.registerJobBodies(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// fraudCheckQueue returns the fraud-check pipeline without binding its job body, for
// components the body itself depends on.
func (c *Container) fraudCheckQueue() (*FraudCheckPipeline, error) {
	return lazy(c, &c.fraudCheckPipelineInit, "fraudCheckPipeline", &c.fraudCheckPipeline, c.initFraudCheckPipeline)
}

func (c *Container) processingQueue() (*ProcessingPipeline, error) {
	return lazy(c, &c.processingPipelineInit, "processingPipeline", &c.processingPipeline, c.initProcessingPipeline)
}

// CircuitBreakers returns every circuit breaker of the application: one per queue and one
// around the payment gateway.
func (c *Container) CircuitBreakers() []*resilience.CircuitBreaker {
	c.breakersInit.Do(func() {
		c.fraudCheckBreaker = resilience.NewCircuitBreaker(c.breakerConfig(transactionUseCase.QueueFraudCheck))
		c.processingBreaker = resilience.NewCircuitBreaker(
			c.breakerConfig(transactionUseCase.QueueTransactionProcessing))
		c.gatewayBreaker = resilience.NewCircuitBreaker(c.breakerConfig(gatewayBreakerName))
	})
	return []*resilience.CircuitBreaker{c.fraudCheckBreaker, c.processingBreaker, c.gatewayBreaker}
}

func (c *Container) breakerConfig(name string) resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig(name)
	cfg.FailureThreshold = c.config.CBFailureThreshold
	cfg.SuccessThreshold = c.config.CBSuccessThreshold
	cfg.Timeout = c.config.CBTimeout
	cfg.RollingWindow = c.config.CBRollingWindow
	cfg.HalfOpenRequestsAllowed = c.config.CBHalfOpenRequests
	return cfg
}

func (c *Container) jobOptions() queue.JobOptions {
	opts := queue.DefaultJobOptions()
	opts.Attempts = c.config.QueueMaxAttempts
	opts.Backoff = queue.Backoff{Type: resilience.BackoffExponential, Delay: c.config.QueueBackoffDelay}
	return opts
}

func (c *Container) initQueueTransport() (queue.Transport, error) {
	switch c.config.QueueDriver {
	case config.DriverMemory:
		return queue.NewMemoryTransport(queuePollInterval), nil
	case config.DriverRedis:
		client, err := c.RedisClient()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client for queue transport: %w", err)
		}
		return queue.NewRedisTransport(client, queueKeyPrefix, queuePollInterval, c.Logger()), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", c.config.QueueDriver)
	}
}

func (c *Container) initDLQRepository() (dlqUseCase.Repository, error) {
	switch c.config.DLQDriver {
	case config.DriverMemory:
		return dlqRepository.NewMemoryDLQRepository(), nil
	case config.DriverRedis:
		client, err := c.RedisClient()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client for dlq repository: %w", err)
		}
		return dlqRepository.NewRedisDLQRepository(client, dlqKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported dlq driver: %s", c.config.DLQDriver)
	}
}

func (c *Container) initDeadLetterQueue() (*dlqUseCase.DeadLetterQueue, error) {
	if !c.config.DLQEnabled {
		return nil, nil
	}

	repo, err := c.DLQRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq repository for dead letter queue: %w", err)
	}

	logger := c.Logger()
	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for dead letter queue: %w", err)
	}

	dlqConfig := dlqUseCase.Config{
		MaxRetries: c.config.DLQMaxRetries,
		RetryDelay: c.config.DLQRetryDelay,
		TTL:        c.config.DLQTTL,
		OnPermanentFailure: func(ctx context.Context, msg *dlqDomain.Message) {
			businessMetrics.RecordOperation(ctx, "dlq", "permanent_failure", "error")
			logger.Error("job permanently failed",
				slog.String("queue", msg.Queue),
				slog.String("job_id", msg.JobID),
				slog.Int("attempts", msg.AttemptsMade),
				slog.String("error", msg.Error),
			)
		},
	}

	// The retry action needs the pipelines, which in turn route to this DLQ.
	return dlqUseCase.NewDeadLetterQueue(dlqConfig, repo, c.requeue, logger), nil
}

// requeue re-drives a dead-lettered job on its origin queue.
func (c *Container) requeue(ctx context.Context, msg *dlqDomain.Message) error {
	switch msg.Queue {
	case transactionUseCase.QueueFraudCheck:
		pipeline, err := c.FraudCheckPipeline()
		if err != nil {
			return err
		}
		_, err = pipeline.Requeue(ctx, msg.Payload)
		return err
	case transactionUseCase.QueueTransactionProcessing:
		pipeline, err := c.ProcessingPipeline()
		if err != nil {
			return err
		}
		_, err = pipeline.Requeue(ctx, msg.Payload)
		return err
	default:
		return fmt.Errorf("no pipeline for queue %q", msg.Queue)
	}
}

// deadLetterSink returns the DLQ as a pipeline sink, or a nil interface when it is disabled.
func (c *Container) deadLetterSink() (queue.DeadLetterSink, error) {
	dlq, err := c.DeadLetterQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter queue: %w", err)
	}
	if dlq == nil {
		return nil, nil
	}
	return dlq, nil
}

func (c *Container) initFraudCheckPipeline() (*FraudCheckPipeline, error) {
	transport, err := c.QueueTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to get queue transport for fraud-check pipeline: %w", err)
	}
	sink, err := c.deadLetterSink()
	if err != nil {
		return nil, err
	}
	c.CircuitBreakers()

	return queue.NewPipeline[transactionUseCase.FraudCheckJob, *transactionDomain.Transaction](
		queue.PipelineConfig{
			Name:        transactionUseCase.QueueFraudCheck,
			Concurrency: c.config.QueueConcurrency,
			JobOptions:  c.jobOptions(),
		},
		transport,
		c.fraudCheckBreaker,
		sink,
		c.Logger(),
	), nil
}

func (c *Container) initProcessingPipeline() (*ProcessingPipeline, error) {
	transport, err := c.QueueTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to get queue transport for processing pipeline: %w", err)
	}
	sink, err := c.deadLetterSink()
	if err != nil {
		return nil, err
	}
	c.CircuitBreakers()

	return queue.NewPipeline[transactionUseCase.ProcessTransactionJob, *transactionDomain.Transaction](
		queue.PipelineConfig{
			Name:        transactionUseCase.QueueTransactionProcessing,
			Concurrency: c.config.QueueConcurrency,
			JobOptions:  c.jobOptions(),
		},
		transport,
		c.processingBreaker,
		sink,
		c.Logger(),
	), nil
}

// registerJobBodies binds the pipelines to the transaction use case once both exist. The use
// case enqueues on the pipelines, so the bodies cannot be set at construction.
func (c *Container) registerJobBodies() error {
	return lazyErr(c, &c.jobBodiesInit, "jobBodies", func() error {
		fraudCheck, err := c.fraudCheckQueue()
		if err != nil {
			return err
		}
		processing, err := c.processingQueue()
		if err != nil {
			return err
		}
		transactions, err := c.TransactionUseCase()
		if err != nil {
			return err
		}

		fraudCheck.Handle(func(
			ctx context.Context,
			_ *queue.Job,
			job transactionUseCase.FraudCheckJob,
		) (*transactionDomain.Transaction, error) {
			return transactions.FraudCheck(ctx, job.TransactionID)
		})
		processing.Handle(func(
			ctx context.Context,
			_ *queue.Job,
			job transactionUseCase.ProcessTransactionJob,
		) (*transactionDomain.Transaction, error) {
			return transactions.Process(ctx, job.TransactionID)
		})
		return nil
	})
}

type queueStatusReader interface {
	Status(ctx context.Context) (*queue.QueueStatus, error)
}

// pipelineState samples both queues and every breaker for the state gauges.
type pipelineState struct {
	queues   []queueStatusReader
	breakers []*resilience.CircuitBreaker
}

func (s pipelineState) QueueDepths(ctx context.Context) ([]metrics.QueueDepth, error) {
	depths := make([]metrics.QueueDepth, 0, len(s.queues))
	for _, q := range s.queues {
		status, err := q.Status(ctx)
		if err != nil {
			return nil, err
		}
		depths = append(depths, metrics.QueueDepth{
			Queue:   status.Name,
			Waiting: status.Counts.Waiting,
			Active:  status.Counts.Active,
			Delayed: status.Counts.Delayed,
			Failed:  status.Counts.Failed,
		})
	}
	return depths, nil
}

func (s pipelineState) BreakerStates() map[string]int64 {
	states := make(map[string]int64, len(s.breakers))
	for _, cb := range s.breakers {
		switch cb.State() {
		case resilience.StateOpen:
			states[cb.Name()] = metrics.BreakerOpen
		case resilience.StateHalfOpen:
			states[cb.Name()] = metrics.BreakerHalfOpen
		default:
			states[cb.Name()] = metrics.BreakerClosed
		}
	}
	return states
}

// registerStateGauges exports queue depth and breaker state. The pipelines are taken without
// their job bodies: counting jobs needs only the transport.
func (c *Container) registerStateGauges(provider *metrics.Provider) error {
	fraudCheck, err := c.fraudCheckQueue()
	if err != nil {
		return fmt.Errorf("failed to get fraud-check pipeline for state gauges: %w", err)
	}
	processing, err := c.processingQueue()
	if err != nil {
		return fmt.Errorf("failed to get processing pipeline for state gauges: %w", err)
	}

	state := pipelineState{
		queues:   []queueStatusReader{fraudCheck, processing},
		breakers: c.CircuitBreakers(),
	}
	if _, err := metrics.RegisterStateGauges(provider.MeterProvider(), c.config.MetricsNamespace, state); err != nil {
		return fmt.Errorf("failed to register state gauges: %w", err)
	}
	return nil
}
