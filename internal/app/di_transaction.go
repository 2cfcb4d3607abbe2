package app

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	antifraudDomain "github.com/allisson/txpipeline/internal/antifraud/domain"
	antifraudUseCase "github.com/allisson/txpipeline/internal/antifraud/usecase"
	"github.com/allisson/txpipeline/internal/database"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/resilience"
	transactionHTTP "github.com/allisson/txpipeline/internal/transaction/http"
	transactionRepository "github.com/allisson/txpipeline/internal/transaction/repository"
	transactionService "github.com/allisson/txpipeline/internal/transaction/service"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// TransactionRepository returns the transaction repository for the configured database driver.
func (c *Container) TransactionRepository() (TransactionStore, error) {
	return lazy(
		c,
		&c.transactionRepoInit,
		"transactionRepository",
		&c.transactionRepository,
		c.initTransactionRepository,
	)
}

// AntifraudUseCase returns the antifraud scorer.
func (c *Container) AntifraudUseCase() (antifraudUseCase.UseCase, error) {
	return lazy(c, &c.antifraudUseCaseInit, "antifraudUseCase", &c.antifraud, c.initAntifraudUseCase)
}

// PaymentGateway returns the payment gateway guarded by its circuit breaker and retry policy.
func (c *Container) PaymentGateway() (transactionUseCase.PaymentGateway, error) {
	return lazy(c, &c.paymentGatewayInit, "paymentGateway", &c.paymentGateway, c.initPaymentGateway)
}

// TransactionUseCase returns the transaction use case wrapped with business metrics.
func (c *Container) TransactionUseCase() (transactionUseCase.TransactionUseCase, error) {
	return lazy(c, &c.transactionUseCaseInit, "transactionUseCase", &c.transactions, c.initTransactionUseCase)
}

// TransactionHandler returns the HTTP handler of the transaction API.
func (c *Container) TransactionHandler() (*transactionHTTP.TransactionHandler, error) {
	return lazy(
		c,
		&c.transactionHandlerInit,
		"transactionHandler",
		&c.transactionHandler,
		c.initTransactionHandler,
	)
}

// AdminHandler returns the HTTP handler of the operator API.
func (c *Container) AdminHandler() (*transactionHTTP.AdminHandler, error) {
	return lazy(c, &c.adminHandlerInit, "adminHandler", &c.adminHandler, c.initAdminHandler)
}

func (c *Container) initTransactionRepository() (TransactionStore, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for transaction repository: %w", err)
	}

	dialect, err := database.Dialect(c.config.DBDriver)
	if err != nil {
		return nil, err
	}
	if dialect == database.DialectMySQL {
		return transactionRepository.NewMySQLTransactionRepository(db), nil
	}
	return transactionRepository.NewPostgreSQLTransactionRepository(db), nil
}

func (c *Container) initAntifraudUseCase() (antifraudUseCase.UseCase, error) {
	repo, err := c.TransactionRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction repository for antifraud: %w", err)
	}

	rules := antifraudDomain.Rules{
		AmountThreshold: decimal.NewFromFloat(c.config.AntifraudAmountThreshold),
		VelocityLimit:   c.config.AntifraudVelocityLimit,
		VelocityWindow:  c.config.AntifraudVelocityWindow,
	}
	return antifraudUseCase.NewAntifraudUseCase(rules, repo, c.Logger()), nil
}

func (c *Container) initPaymentGateway() (transactionUseCase.PaymentGateway, error) {
	logger := c.Logger()

	var next transactionService.PaymentGateway
	if c.config.PaymentGatewayURL == "" {
		next = transactionService.NewNoopGateway(logger)
	} else {
		next = transactionService.NewHTTPGateway(c.config.PaymentGatewayURL, c.config.PaymentGatewayTimeout)
	}

	c.CircuitBreakers()
	retry := resilience.RetryPolicy{
		MaxAttempts: gatewayRetryAttempts,
		Delay:       gatewayRetryBaseDelay,
		Backoff:     resilience.BackoffExponential,
		IsRetryable: apperrors.IsTransient,
		OnRetry: func(attempt int, err error) {
			logger.Warn("payment gateway call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		},
	}
	return transactionService.NewResilientGateway(next, c.gatewayBreaker, retry), nil
}

func (c *Container) initTransactionUseCase() (transactionUseCase.TransactionUseCase, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for transaction use case: %w", err)
	}

	repo, err := c.TransactionRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction repository for transaction use case: %w", err)
	}

	bus, err := c.EventBus()
	if err != nil {
		return nil, fmt.Errorf("failed to get event bus for transaction use case: %w", err)
	}

	// The private accessors: the public ones bind the job bodies, which need this use case.
	fraudCheck, err := c.fraudCheckQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud-check pipeline for transaction use case: %w", err)
	}
	processing, err := c.processingQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to get processing pipeline for transaction use case: %w", err)
	}

	antifraud, err := c.AntifraudUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get antifraud use case for transaction use case: %w", err)
	}

	gateway, err := c.PaymentGateway()
	if err != nil {
		return nil, fmt.Errorf("failed to get payment gateway for transaction use case: %w", err)
	}

	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get business metrics for transaction use case: %w", err)
	}

	useCase := transactionUseCase.NewTransactionUseCase(
		transactionUseCase.Config{ProcessingDelay: c.config.ProcessingDelay},
		txManager,
		repo,
		bus,
		fraudCheck,
		processing,
		antifraud,
		gateway,
		c.Logger(),
	)
	return transactionUseCase.NewTransactionUseCaseWithMetrics(useCase, businessMetrics), nil
}

func (c *Container) initTransactionHandler() (*transactionHTTP.TransactionHandler, error) {
	useCase, err := c.TransactionUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction use case for transaction handler: %w", err)
	}
	return transactionHTTP.NewTransactionHandler(useCase, c.Logger()), nil
}

func (c *Container) initAdminHandler() (*transactionHTTP.AdminHandler, error) {
	fraudCheck, err := c.FraudCheckPipeline()
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud-check pipeline for admin handler: %w", err)
	}
	processing, err := c.ProcessingPipeline()
	if err != nil {
		return nil, fmt.Errorf("failed to get processing pipeline for admin handler: %w", err)
	}

	dlq, err := c.DeadLetterQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter queue for admin handler: %w", err)
	}
	var dlqAdmin dlqUseCase.UseCase
	if dlq != nil {
		dlqAdmin = dlq
	}

	bus, err := c.EventBus()
	if err != nil {
		return nil, fmt.Errorf("failed to get event bus for admin handler: %w", err)
	}

	useCase, err := c.TransactionUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction use case for admin handler: %w", err)
	}

	queues := map[string]transactionHTTP.QueueController{
		transactionUseCase.QueueFraudCheck:            fraudCheck,
		transactionUseCase.QueueTransactionProcessing: processing,
	}
	return transactionHTTP.NewAdminHandler(
		queues,
		dlqAdmin,
		bus,
		useCase,
		c.CircuitBreakers(),
		c.config.RetrySweepBatchSize,
		c.Logger(),
	), nil
}
