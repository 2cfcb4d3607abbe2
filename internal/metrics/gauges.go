package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Breaker state values exported by the circuit breaker gauge.
const (
	BreakerClosed   int64 = 0
	BreakerHalfOpen int64 = 1
	BreakerOpen     int64 = 2
)

// QueueDepth is a point-in-time view of one job queue.
type QueueDepth struct {
	Queue   string
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

// StateSource reports the pipeline state sampled on every scrape.
type StateSource interface {
	QueueDepths(ctx context.Context) ([]QueueDepth, error)
	BreakerStates() map[string]int64
}

// RegisterStateGauges registers observable gauges for queue depth and circuit breaker state.
// Values are pulled from source at collection time. The returned registration must be
// unregistered before the provider shuts down when the source outlives it.
func RegisterStateGauges(
	meterProvider metric.MeterProvider,
	namespace string,
	source StateSource,
) (metric.Registration, error) {
	meter := meterProvider.Meter(namespace)

	depthGauge, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_queue_jobs", namespace),
		metric.WithDescription("Number of jobs per queue and state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	breakerGauge, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_circuit_breaker_state", namespace),
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breaker gauge: %w", err)
	}

	registration, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for name, state := range source.BreakerStates() {
			o.ObserveInt64(breakerGauge, state, metric.WithAttributes(attribute.String("breaker", name)))
		}

		depths, err := source.QueueDepths(ctx)
		if err != nil {
			// Breaker states are still exported when the transport is unreachable.
			return nil
		}
		for _, depth := range depths {
			observeDepth(o, depthGauge, depth.Queue, "waiting", depth.Waiting)
			observeDepth(o, depthGauge, depth.Queue, "active", depth.Active)
			observeDepth(o, depthGauge, depth.Queue, "delayed", depth.Delayed)
			observeDepth(o, depthGauge, depth.Queue, "failed", depth.Failed)
		}
		return nil
	}, depthGauge, breakerGauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register state gauges callback: %w", err)
	}
	return registration, nil
}

func observeDepth(o metric.Observer, gauge metric.Int64ObservableGauge, queue, state string, value int64) {
	o.ObserveInt64(gauge, value, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("state", state),
	))
}
