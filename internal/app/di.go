// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	antifraudUseCase "github.com/allisson/txpipeline/internal/antifraud/usecase"
	"github.com/allisson/txpipeline/internal/config"
	"github.com/allisson/txpipeline/internal/database"
	dlqUseCase "github.com/allisson/txpipeline/internal/dlq/usecase"
	eventTransport "github.com/allisson/txpipeline/internal/event/transport"
	eventUseCase "github.com/allisson/txpipeline/internal/event/usecase"
	"github.com/allisson/txpipeline/internal/http"
	"github.com/allisson/txpipeline/internal/metrics"
	outboxUseCase "github.com/allisson/txpipeline/internal/outbox/usecase"
	"github.com/allisson/txpipeline/internal/queue"
	"github.com/allisson/txpipeline/internal/resilience"
	transactionDomain "github.com/allisson/txpipeline/internal/transaction/domain"
	transactionHTTP "github.com/allisson/txpipeline/internal/transaction/http"
	transactionUseCase "github.com/allisson/txpipeline/internal/transaction/usecase"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	redisClient     *redis.Client
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics

	// Managers
	txManager database.TxManager

	// Queues
	queueTransport     queue.Transport
	dlqRepository      dlqUseCase.Repository
	deadLetterQueue    *dlqUseCase.DeadLetterQueue
	fraudCheckPipeline *FraudCheckPipeline
	processingPipeline *ProcessingPipeline

	// Circuit breakers
	fraudCheckBreaker *resilience.CircuitBreaker
	processingBreaker *resilience.CircuitBreaker
	gatewayBreaker    *resilience.CircuitBreaker

	// Events
	outboxRepository outboxUseCase.OutboxEventRepository
	brokerPublisher  eventUseCase.Publisher
	eventBus         *eventUseCase.Bus
	outboxRelay      *outboxUseCase.Relay
	eventConsumers   []EventConsumer

	// Transactions
	transactionRepository TransactionStore
	antifraud             antifraudUseCase.UseCase
	paymentGateway        transactionUseCase.PaymentGateway
	transactions          transactionUseCase.TransactionUseCase
	transactionHandler    *transactionHTTP.TransactionHandler
	adminHandler          *transactionHTTP.AdminHandler

	// Servers
	httpServer    *http.Server
	metricsServer *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                     sync.Mutex
	errMu                  sync.Mutex
	loggerInit             sync.Once
	dbInit                 sync.Once
	redisClientInit        sync.Once
	metricsProviderInit    sync.Once
	businessMetricsInit    sync.Once
	txManagerInit          sync.Once
	queueTransportInit     sync.Once
	dlqRepositoryInit      sync.Once
	deadLetterQueueInit    sync.Once
	fraudCheckPipelineInit sync.Once
	processingPipelineInit sync.Once
	jobBodiesInit          sync.Once
	breakersInit           sync.Once
	outboxRepositoryInit   sync.Once
	brokerPublisherInit    sync.Once
	eventBusInit           sync.Once
	outboxRelayInit        sync.Once
	eventConsumersInit     sync.Once
	transactionRepoInit    sync.Once
	antifraudUseCaseInit   sync.Once
	paymentGatewayInit     sync.Once
	transactionUseCaseInit sync.Once
	transactionHandlerInit sync.Once
	adminHandlerInit       sync.Once
	httpServerInit         sync.Once
	metricsServerInit      sync.Once
	initErrors             map[string]error
}

// TransactionStore is the transaction repository, which also serves the velocity counts of
// the antifraud rules.
type TransactionStore interface {
	transactionUseCase.TransactionRepository
	antifraudUseCase.TransactionCounter
}

// FraudCheckPipeline is the queue of fraud-check jobs.
type FraudCheckPipeline = queue.Pipeline[transactionUseCase.FraudCheckJob, *transactionDomain.Transaction]

// ProcessingPipeline is the queue of payment processing jobs.
type ProcessingPipeline = queue.Pipeline[transactionUseCase.ProcessTransactionJob, *transactionDomain.Transaction]

// EventConsumer feeds broker messages to the event bus until its context is done.
type EventConsumer interface {
	Run(ctx context.Context) error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// lazy runs init once and remembers its error under name, so later calls fail the same way.
func lazy[T any](c *Container, once *sync.Once, name string, target *T, init func() (T, error)) (T, error) {
	once.Do(func() {
		value, err := init()
		if err != nil {
			c.errMu.Lock()
			c.initErrors[name] = err
			c.errMu.Unlock()
			return
		}
		*target = value
	})

	c.errMu.Lock()
	storedErr, exists := c.initErrors[name]
	c.errMu.Unlock()
	if exists {
		var zero T
		return zero, storedErr
	}
	return *target, nil
}

// lazyErr is lazy for initializations that produce no value.
func lazyErr(c *Container, once *sync.Once, name string, init func() error) error {
	var done struct{}
	_, err := lazy(c, once, name, &done, func() (struct{}, error) {
		return struct{}{}, init()
	})
	return err
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	return lazy(c, &c.dbInit, "db", &c.db, c.initDB)
}

// TxManager returns the transaction manager.
// It requires a database connection to be initialized first.
func (c *Container) TxManager() (database.TxManager, error) {
	return lazy(c, &c.txManagerInit, "txManager", &c.txManager, c.initTxManager)
}

// RedisClient returns the Redis client shared by the queue transport and the DLQ store.
func (c *Container) RedisClient() (*redis.Client, error) {
	return lazy(c, &c.redisClientInit, "redisClient", &c.redisClient, c.initRedisClient)
}

// MetricsProvider returns the OpenTelemetry provider, or nil when metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	return lazy(c, &c.metricsProviderInit, "metricsProvider", &c.metricsProvider, c.initMetricsProvider)
}

// BusinessMetrics returns the business metrics recorder. It is a no-op when metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	return lazy(c, &c.businessMetricsInit, "businessMetrics", &c.businessMetrics, c.initBusinessMetrics)
}

// HTTPServer returns the HTTP server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	return lazy(c, &c.httpServerInit, "httpServer", &c.httpServer, c.initHTTPServer)
}

// MetricsServer returns the metrics server, or nil when metrics are disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	return lazy(c, &c.metricsServerInit, "metricsServer", &c.metricsServer, c.initMetricsServer)
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// The transport waits for in-flight jobs, which may still write to the DLQ and the database.
	if c.queueTransport != nil {
		if err := c.queueTransport.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("queue transport close: %w", err))
		}
	}

	if c.deadLetterQueue != nil {
		if err := c.deadLetterQueue.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("dead letter queue close: %w", err))
		}
	} else if c.dlqRepository != nil {
		if err := c.dlqRepository.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("dlq repository close: %w", err))
		}
	}

	for _, consumer := range c.eventConsumers {
		if err := closeConsumer(ctx, consumer); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("event consumer close: %w", err))
		}
	}

	if err := closePublisher(ctx, c.brokerPublisher); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("event publisher close: %w", err))
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("redis close: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	return errors.Join(shutdownErrors...)
}

func closePublisher(ctx context.Context, publisher eventUseCase.Publisher) error {
	switch p := publisher.(type) {
	case *eventTransport.KafkaPublisher:
		return p.Close()
	case *eventTransport.GoCloudPublisher:
		return p.Close(ctx)
	default:
		return nil
	}
}

func closeConsumer(ctx context.Context, consumer EventConsumer) error {
	switch c := consumer.(type) {
	case *eventTransport.KafkaConsumer:
		return c.Close()
	case *eventTransport.GoCloudConsumer:
		return c.Close(ctx)
	default:
		return nil
	}
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initTxManager creates the transaction manager using the database connection.
func (c *Container) initTxManager() (database.TxManager, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
	}
	return database.NewTxManager(db), nil
}

// initRedisClient connects to Redis and verifies the connection.
func (c *Container) initRedisClient() (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.config.RedisAddr,
		Password: c.config.RedisPassword,
		DB:       c.config.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (c *Container) initMetricsProvider() (*metrics.Provider, error) {
	if !c.config.MetricsEnabled {
		return nil, nil
	}
	provider, err := metrics.NewProvider(c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}
	return provider, nil
}

func (c *Container) initBusinessMetrics() (metrics.BusinessMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return metrics.NewNoOpBusinessMetrics(), nil
	}
	businessMetrics, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}
	return businessMetrics, nil
}

// initHTTPServer creates the HTTP server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	logger := c.Logger()

	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for http server: %w", err)
	}

	transactionHandler, err := c.TransactionHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction handler for http server: %w", err)
	}

	adminHandler, err := c.AdminHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to get admin handler for http server: %w", err)
	}

	metricsProvider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
	}

	server := http.NewServer(db, c.config.ServerHost, c.config.ServerPort, logger)

	if c.usesRedis() {
		client, err := c.RedisClient()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client for http server: %w", err)
		}
		server.AddReadinessCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	server.SetupRouter(c.config, transactionHandler, adminHandler, metricsProvider, c.config.MetricsNamespace)
	return server, nil
}

func (c *Container) initMetricsServer() (*http.MetricsServer, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for metrics server: %w", err)
	}
	if provider == nil {
		return nil, nil
	}
	if err := c.registerStateGauges(provider); err != nil {
		return nil, err
	}
	return http.NewMetricsServer(c.config.ServerHost, c.config.MetricsPort, c.Logger(), provider), nil
}

func (c *Container) usesRedis() bool {
	return c.config.QueueDriver == config.DriverRedis ||
		(c.config.DLQEnabled && c.config.DLQDriver == config.DriverRedis)
}
