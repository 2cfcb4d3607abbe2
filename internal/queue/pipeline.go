package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	dlqDomain "github.com/allisson/txpipeline/internal/dlq/domain"
	dlqUsecase "github.com/allisson/txpipeline/internal/dlq/usecase"
	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/resilience"
)

// ErrNoProcessFunc is returned when a job arrives before Handle registered a function.
var ErrNoProcessFunc = apperrors.New("pipeline has no process function")

// ProcessFunc is the job body of a Pipeline.
type ProcessFunc[P, R any] func(ctx context.Context, job *Job, payload P) (R, error)

// DeadLetterSink receives jobs that failed their last attempt.
type DeadLetterSink interface {
	Send(ctx context.Context, input dlqUsecase.SendInput) (*dlqDomain.Message, error)
}

// PipelineConfig holds the configuration of a Pipeline.
type PipelineConfig struct {
	// Name is the queue name.
	Name string
	// Concurrency is the number of workers started by Start.
	Concurrency int
	// JobOptions are the defaults applied by AddJob and AddBulkJobs.
	JobOptions JobOptions
}

// PipelineMetrics is a snapshot of the pipeline counters.
type PipelineMetrics struct {
	Processed             int64      `json:"processed"`
	Succeeded             int64      `json:"succeeded"`
	Failed                int64      `json:"failed"`
	DeadLettered          int64      `json:"dead_lettered"`
	AverageProcessingTime float64    `json:"average_processing_time_ms"`
	LastError             string     `json:"last_error,omitempty"`
	LastErrorAt           *time.Time `json:"last_error_at,omitempty"`
}

// QueueStatus combines transport counts with pipeline metrics.
type QueueStatus struct {
	Name         string                     `json:"name"`
	Counts       Counts                     `json:"counts"`
	Paused       bool                       `json:"paused"`
	Metrics      PipelineMetrics            `json:"metrics"`
	CircuitState resilience.State           `json:"circuit_state,omitempty"`
	Breaker      *resilience.BreakerMetrics `json:"circuit_breaker,omitempty"`
}

const timingSamples = 100

// Pipeline wraps a named queue: it executes job bodies through an optional circuit breaker,
// records metrics and routes jobs failing their last attempt to an optional DLQ. Attempt
// counting and backoff stay with the transport.
type Pipeline[P, R any] struct {
	cfg       PipelineConfig
	transport Transport
	breaker   *resilience.CircuitBreaker
	dlq       DeadLetterSink
	logger    *slog.Logger

	mu        sync.Mutex
	fn        ProcessFunc[P, R]
	metrics   PipelineMetrics
	samples   []time.Duration
	sampleIdx int
}

// NewPipeline creates a Pipeline. breaker and dlq may be nil to disable them.
func NewPipeline[P, R any](
	cfg PipelineConfig,
	transport Transport,
	breaker *resilience.CircuitBreaker,
	dlq DeadLetterSink,
	logger *slog.Logger,
) *Pipeline[P, R] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.JobOptions.Attempts < 1 {
		cfg.JobOptions = DefaultJobOptions()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline[P, R]{
		cfg:       cfg,
		transport: transport,
		breaker:   breaker,
		dlq:       dlq,
		logger:    logger.With(slog.String("queue", cfg.Name)),
	}
}

// Handle registers the job body. It may be called after construction so that the body can
// depend on components that themselves enqueue on this pipeline.
func (p *Pipeline[P, R]) Handle(fn ProcessFunc[P, R]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

// Name returns the queue name.
func (p *Pipeline[P, R]) Name() string {
	return p.cfg.Name
}

// Process runs one job through the pipeline and returns the job body's result. The error is
// returned unchanged so the transport can apply its attempt and backoff bookkeeping.
//
// A failed final attempt, or one marked Permanent, is dead-lettered. A business error ends
// the job without a dead letter since replaying it would fail the same way.
func (p *Pipeline[P, R]) Process(ctx context.Context, job *Job) (R, error) {
	p.mu.Lock()
	fn := p.fn
	p.metrics.Processed++
	p.mu.Unlock()

	start := time.Now()
	result, err := p.run(ctx, fn, job)
	elapsed := time.Since(start)

	if err == nil {
		p.recordSuccess(elapsed)
		p.logger.Debug("job completed",
			slog.String("job_id", job.ID),
			slog.Duration("duration", elapsed),
		)
		return result, nil
	}

	p.recordFailure(elapsed, err)
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("attempts", job.Options.Attempts),
		slog.Any("error", err),
	}

	permanent := IsPermanent(err)
	if !permanent && apperrors.IsBusiness(err) {
		p.logger.Warn("job rejected", attrs...)
		return result, err
	}
	p.logger.Error("job failed", attrs...)

	if (permanent || job.IsLastAttempt()) && p.dlq != nil {
		p.deadLetter(ctx, job, err, permanent, failureStack(err), elapsed)
	}
	return result, err
}

// panicError is a job body panic turned into an error, with the stack of the panicking
// goroutine.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.value)
}

// failureStack returns the stack of a panicking job body, or the current one.
func failureStack(err error) string {
	var pe *panicError
	if apperrors.As(err, &pe) {
		return string(pe.stack)
	}
	return string(debug.Stack())
}

func (p *Pipeline[P, R]) run(ctx context.Context, fn ProcessFunc[P, R], job *Job) (result R, err error) {
	if fn == nil {
		return result, ErrNoProcessFunc
	}

	var payload P
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return result, Permanent(apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("decode job payload: %v", err)))
	}

	body := func(ctx context.Context) (r R, err error) {
		defer func() {
			if v := recover(); v != nil {
				err = &panicError{value: v, stack: debug.Stack()}
			}
		}()
		return fn(ctx, job, payload)
	}

	if p.breaker == nil {
		return body(ctx)
	}
	return resilience.ExecuteValue(ctx, p.breaker, body)
}

func (p *Pipeline[P, R]) deadLetter(
	ctx context.Context,
	job *Job,
	err error,
	permanent bool,
	stack string,
	elapsed time.Duration,
) {
	metadata := map[string]any{
		"pipeline":           p.cfg.Name,
		"processing_time_ms": elapsed.Milliseconds(),
		"max_attempts":       job.Options.Attempts,
	}
	if p.breaker != nil {
		metadata["circuit_state"] = string(p.breaker.State())
	}

	_, dlqErr := p.dlq.Send(context.WithoutCancel(ctx), dlqUsecase.SendInput{
		JobID:        job.ID,
		Queue:        p.cfg.Name,
		Payload:      job.Data,
		Err:          fmt.Errorf("%w: %w", err, ErrPermanentJobFailure),
		Stack:        stack,
		AttemptsMade: job.AttemptsMade,
		Permanent:    permanent,
		Metadata:     metadata,
	})
	if dlqErr != nil {
		p.logger.Error("failed to send job to dead letter queue",
			slog.String("job_id", job.ID),
			slog.Any("error", dlqErr),
		)
		return
	}

	p.mu.Lock()
	p.metrics.DeadLettered++
	p.mu.Unlock()
}

func (p *Pipeline[P, R]) recordSuccess(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Succeeded++
	p.addSample(elapsed)
}

func (p *Pipeline[P, R]) recordFailure(elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	p.metrics.Failed++
	p.metrics.LastError = err.Error()
	p.metrics.LastErrorAt = &now
	p.addSample(elapsed)
}

// addSample keeps the last timingSamples durations in a ring. Caller holds mu.
func (p *Pipeline[P, R]) addSample(d time.Duration) {
	if len(p.samples) < timingSamples {
		p.samples = append(p.samples, d)
	} else {
		p.samples[p.sampleIdx] = d
		p.sampleIdx = (p.sampleIdx + 1) % timingSamples
	}

	var total time.Duration
	for _, s := range p.samples {
		total += s
	}
	p.metrics.AverageProcessingTime = float64(total.Microseconds()) / 1000 / float64(len(p.samples))
}

// Metrics returns a snapshot of the pipeline counters.
func (p *Pipeline[P, R]) Metrics() PipelineMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	if m.LastErrorAt != nil {
		t := *m.LastErrorAt
		m.LastErrorAt = &t
	}
	return m
}

func (p *Pipeline[P, R]) newJob(payload P, opts []JobOption) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("encode job payload: %v", err))
	}
	options := p.cfg.JobOptions
	for _, opt := range opts {
		opt(&options)
	}
	return NewJob(p.cfg.Name, data, options, time.Now().UTC()), nil
}

// AddJob enqueues one job with the pipeline defaults overridden by opts.
func (p *Pipeline[P, R]) AddJob(ctx context.Context, payload P, opts ...JobOption) (*Job, error) {
	job, err := p.newJob(payload, opts)
	if err != nil {
		return nil, err
	}
	if err := p.transport.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	p.logger.Debug("job added", slog.String("job_id", job.ID))
	return job, nil
}

// Requeue enqueues an already encoded payload with fresh attempts, as when a dead-lettered
// job is re-driven.
func (p *Pipeline[P, R]) Requeue(ctx context.Context, data json.RawMessage) (*Job, error) {
	var payload P
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("decode job payload: %v", err))
	}
	job := NewJob(p.cfg.Name, data, p.cfg.JobOptions, time.Now().UTC())
	if err := p.transport.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	p.logger.Info("job requeued", slog.String("job_id", job.ID))
	return job, nil
}

// AddBulkJobs enqueues several jobs sharing the same option overrides.
func (p *Pipeline[P, R]) AddBulkJobs(ctx context.Context, payloads []P, opts ...JobOption) ([]*Job, error) {
	jobs := make([]*Job, 0, len(payloads))
	for _, payload := range payloads {
		job, err := p.newJob(payload, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return jobs, nil
	}
	if err := p.transport.Enqueue(ctx, jobs...); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Status returns the queue counts, paused flag and metrics.
func (p *Pipeline[P, R]) Status(ctx context.Context) (*QueueStatus, error) {
	counts, err := p.transport.Counts(ctx, p.cfg.Name)
	if err != nil {
		return nil, err
	}
	paused, err := p.transport.IsPaused(ctx, p.cfg.Name)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{
		Name:    p.cfg.Name,
		Counts:  counts,
		Paused:  paused,
		Metrics: p.Metrics(),
	}
	if p.breaker != nil {
		m := p.breaker.Metrics()
		status.CircuitState = m.State
		status.Breaker = &m
	}
	return status, nil
}

// Pause stops delivery of new jobs.
func (p *Pipeline[P, R]) Pause(ctx context.Context) error {
	if err := p.transport.Pause(ctx, p.cfg.Name); err != nil {
		return err
	}
	p.logger.Info("queue paused")
	return nil
}

// Resume restarts delivery.
func (p *Pipeline[P, R]) Resume(ctx context.Context) error {
	if err := p.transport.Resume(ctx, p.cfg.Name); err != nil {
		return err
	}
	p.logger.Info("queue resumed")
	return nil
}

// Clean removes finished jobs in state older than grace.
func (p *Pipeline[P, R]) Clean(ctx context.Context, grace time.Duration, state JobState) (int, error) {
	return p.transport.Clean(ctx, p.cfg.Name, grace, state)
}

// Drain removes waiting and delayed jobs.
func (p *Pipeline[P, R]) Drain(ctx context.Context) error {
	return p.transport.Drain(ctx, p.cfg.Name)
}

// Start consumes the queue until ctx is done or the transport is closed.
func (p *Pipeline[P, R]) Start(ctx context.Context) error {
	p.logger.Info("starting queue consumer", slog.Int("concurrency", p.cfg.Concurrency))
	err := p.transport.Consume(ctx, p.cfg.Name, p.cfg.Concurrency, func(ctx context.Context, job *Job) error {
		_, err := p.Process(ctx, job)
		return err
	})
	p.logger.Info("queue consumer stopped")
	return err
}

// Close closes the underlying transport, waiting for in-flight jobs.
func (p *Pipeline[P, R]) Close() error {
	return p.transport.Close()
}
