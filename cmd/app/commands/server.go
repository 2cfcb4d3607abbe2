package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/allisson/txpipeline/internal/app"
	"github.com/allisson/txpipeline/internal/config"
)

// shutdownTimeout bounds the drain of in-flight requests once a stop is requested.
const shutdownTimeout = 30 * time.Second

// listener is an HTTP server started and stopped alongside the others.
type listener interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type namedListener struct {
	name string
	listener
}

// RunServer serves the API, plus metrics when enabled, until SIGINT/SIGTERM or the first
// failure. With withWorkers the queue consumers and background loops run in the same process,
// which the memory queue and mem:// event drivers require.
func RunServer(ctx context.Context, version string, withWorkers bool) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	gin.SetMode(cfg.GetGinMode())

	container := app.NewContainer(cfg)
	logger := container.Logger()
	logger.Info("starting server",
		slog.String("version", version),
		slog.Bool("with_workers", withWorkers),
	)
	defer closeContainer(container, logger)

	api, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	listeners := []namedListener{{name: "api server", listener: api}}

	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}
	if metricsServer != nil {
		listeners = append(listeners, namedListener{name: "metrics server", listener: metricsServer})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Start(ctx); err != nil {
				return fmt.Errorf("%s: %w", l.name, err)
			}
			return nil
		})
	}

	if withWorkers {
		g.Go(func() error { return runWorkers(ctx, container) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("stopping server", slog.Any("cause", context.Cause(ctx)))
		return shutdownListeners(listeners)
	})

	return g.Wait()
}

// shutdownListeners stops every listener within shutdownTimeout, collecting all failures.
func shutdownListeners(listeners []namedListener) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, l := range listeners {
		if err := l.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}
