// Package http provides HTTP server implementation and request handlers.
package http

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/allisson/txpipeline/internal/config"
	"github.com/allisson/txpipeline/internal/metrics"
	transactionHTTP "github.com/allisson/txpipeline/internal/transaction/http"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server represents the HTTP server.
type Server struct {
	db     *sql.DB
	server *http.Server
	router *gin.Engine
	logger *slog.Logger

	checksMu sync.RWMutex
	checks   map[string]ReadinessCheck
}

// NewServer creates a new HTTP server.
func NewServer(
	db *sql.DB,
	host string,
	port int,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:     db,
		logger: logger,
		checks: make(map[string]ReadinessCheck),
		server: newHTTPServer(host, port, nil),
	}
}

// newHTTPServer applies the timeouts shared by the API and metrics listeners.
func newHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// listen runs srv until it is shut down.
func listen(srv *http.Server, logger *slog.Logger, name string) error {
	logger.Info("starting "+name, slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// AddReadinessCheck registers a named dependency check reported by /ready.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// SetupRouter configures the Gin router with all routes and middleware.
func (s *Server) SetupRouter(
	cfg *config.Config,
	transactionHandler *transactionHTTP.TransactionHandler,
	adminHandler *transactionHTTP.AdminHandler,
	metricsProvider *metrics.Provider,
	metricsNamespace string,
) {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.Use(CustomLoggerMiddleware(s.logger))

	if corsMiddleware := createCORSMiddleware(cfg.CORSEnabled, cfg.CORSAllowOrigins, s.logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}

	if metricsProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(metricsProvider.MeterProvider(), metricsNamespace))
	}

	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readinessHandler)

	v1 := router.Group("/v1")
	{
		transactions := v1.Group("/transactions")
		{
			createHandlers := []gin.HandlerFunc{}
			if cfg.RateLimitEnabled {
				createHandlers = append(createHandlers,
					RateLimitMiddleware(cfg.RateLimitRequestsPerSec, cfg.RateLimitBurst, s.logger))
			}
			createHandlers = append(createHandlers, transactionHandler.CreateHandler)

			transactions.POST("", createHandlers...)
			transactions.GET("/:id", transactionHandler.GetHandler)
			transactions.GET("/external/:externalId", transactionHandler.GetByExternalIDHandler)
			transactions.POST("/:id/reverse", transactionHandler.ReverseHandler)
			transactions.POST("/:id/reject", transactionHandler.RejectHandler)
			transactions.POST("/:id/retry", transactionHandler.RetryHandler)
			transactions.POST("/:id/process", transactionHandler.ProcessHandler)
		}

		v1.GET("/accounts/:accountId/transactions", transactionHandler.ListByAccountHandler)
		v1.GET("/statistics", transactionHandler.StatisticsHandler)

		if adminHandler != nil {
			admin := v1.Group("/admin")
			{
				queues := admin.Group("/queues/:queue")
				{
					queues.GET("", adminHandler.QueueStatusHandler)
					queues.POST("/pause", adminHandler.PauseQueueHandler)
					queues.POST("/resume", adminHandler.ResumeQueueHandler)
					queues.POST("/clean", adminHandler.CleanQueueHandler)
					queues.POST("/drain", adminHandler.DrainQueueHandler)
				}

				dlq := admin.Group("/dlq")
				{
					dlq.GET("/stats", adminHandler.DLQStatsHandler)
					dlq.GET("/:queue/messages", adminHandler.DLQMessagesHandler)
					dlq.DELETE("/:queue/messages", adminHandler.DLQClearHandler)
					dlq.POST("/:queue/messages/:id/replay", adminHandler.DLQReplayHandler)
					dlq.POST("/:queue/process", adminHandler.DLQProcessHandler)
				}

				events := admin.Group("/events")
				{
					events.GET("/statistics", adminHandler.EventStatisticsHandler)
					events.POST("/replay", adminHandler.ReplayEventsHandler)
				}

				admin.POST("/retry-failed", adminHandler.RetryFailedHandler)
				admin.GET("/circuit-breakers", adminHandler.CircuitBreakersHandler)
				admin.POST("/circuit-breakers/:name/reset", adminHandler.ResetCircuitBreakerHandler)
			}
		}
	}

	s.router = router
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	if s.router == nil {
		return fmt.Errorf("router not initialized, call SetupRouter first")
	}
	s.server.Handler = s.router
	return listen(s.server, s.logger, "http server")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// readinessHandler pings the database and every registered dependency check.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string)
	ready := true

	if s.db == nil || s.db.PingContext(ctx) != nil {
		components["database"] = "error"
		ready = false
	} else {
		components["database"] = "ok"
	}

	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("readiness check failed", slog.String("component", name), slog.Any("error", err))
			components[name] = "error"
			ready = false
			continue
		}
		components[name] = "ok"
	}
	s.checksMu.RUnlock()

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "components": components})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "components": components})
}
