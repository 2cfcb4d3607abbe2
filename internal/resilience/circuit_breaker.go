// Package resilience provides failure-handling primitives composed explicitly around
// fallible operations: a circuit breaker, a retry policy with backoff and a timeout guard.
//
// Policies are chained by plain function composition:
//
//	err := breaker.Execute(ctx, func(ctx context.Context) error {
//		return retry.Do(ctx, func(ctx context.Context) error {
//			return gateway.Charge(ctx, tx)
//		})
//	})
package resilience

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// ErrCircuitOpen is returned when the breaker rejects a call without invoking it.
var ErrCircuitOpen = apperrors.Wrap(apperrors.ErrUnavailable, "circuit open")

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrorFilter decides whether an error counts toward the failure threshold.
type ErrorFilter func(err error) bool

// Fallback is invoked instead of returning ErrCircuitOpen when the breaker rejects a call.
// The rejection error is passed in; the returned error is what Execute returns.
type Fallback func(ctx context.Context, err error) error

// CircuitBreakerConfig holds the circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Name identifies the protected operation in logs and metrics.
	Name string
	// FailureThreshold is the number of failures within RollingWindow that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of successes in HALF_OPEN that closes the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays OPEN before probing.
	Timeout time.Duration
	// RollingWindow is the window over which failures are counted.
	RollingWindow time.Duration
	// HalfOpenRequestsAllowed is the max number of concurrent trial calls in HALF_OPEN.
	HalfOpenRequestsAllowed int
	// ErrorFilter decides which errors count as failures. Defaults to non-business errors.
	ErrorFilter ErrorFilter
	// Fallback is optional.
	Fallback Fallback
}

// DefaultCircuitBreakerConfig returns a configuration with sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                    name,
		FailureThreshold:        5,
		SuccessThreshold:        2,
		Timeout:                 60 * time.Second,
		RollingWindow:           60 * time.Second,
		HalfOpenRequestsAllowed: 1,
	}
}

// BreakerMetrics is a point-in-time snapshot of the breaker counters.
type BreakerMetrics struct {
	Name               string     `json:"name"`
	State              State      `json:"state"`
	TotalRequests      int64      `json:"total_requests"`
	RejectedRequests   int64      `json:"rejected_requests"`
	SuccessfulRequests int64      `json:"successful_requests"`
	FailedRequests     int64      `json:"failed_requests"`
	LastSuccessTime    *time.Time `json:"last_success_time,omitempty"`
	LastFailureTime    *time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker isolates a failing dependency. Safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         []time.Time
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	metrics          BreakerMetrics
}

// NewCircuitBreaker creates a CircuitBreaker in the CLOSED state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenRequestsAllowed <= 0 {
		cfg.HalfOpenRequestsAllowed = 1
	}
	if cfg.ErrorFilter == nil {
		cfg.ErrorFilter = apperrors.IsTransient
	}
	return &CircuitBreaker{
		cfg:     cfg,
		now:     time.Now,
		state:   StateClosed,
		metrics: BreakerMetrics{Name: cfg.Name, State: StateClosed},
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, applying the OPEN -> HALF_OPEN timeout transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshState()
	return cb.state
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		if cb.cfg.Fallback != nil {
			return cb.cfg.Fallback(ctx, err)
		}
		return err
	}

	err = fn(ctx)
	cb.record(err, trial)
	return err
}

// ExecuteValue runs fn through the breaker and returns its value.
func ExecuteValue[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// admit decides whether a call may proceed. trial is true for HALF_OPEN admissions.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalRequests++
	cb.refreshState()

	switch cb.state {
	case StateOpen:
		cb.metrics.RejectedRequests++
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenRequestsAllowed {
			cb.metrics.RejectedRequests++
			return false, ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	now := cb.now()

	if err == nil || !cb.cfg.ErrorFilter(err) {
		// Filtered errors are reported to the caller but treated as healthy calls.
		cb.metrics.SuccessfulRequests++
		cb.metrics.LastSuccessTime = &now
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.metrics.FailedRequests++
	cb.metrics.LastFailureTime = &now
	cb.lastFailure = now

	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneFailures(now)
	if len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// refreshState moves OPEN to HALF_OPEN once the timeout elapsed. Caller holds mu.
func (cb *CircuitBreaker) refreshState() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.Timeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	if cb.cfg.RollingWindow <= 0 {
		return
	}
	cutoff := now.Add(-cb.cfg.RollingWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.metrics.State = to
	cb.successes = 0
	switch to {
	case StateClosed:
		cb.failures = cb.failures[:0]
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
	}
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshState()
	return cb.metrics
}

// Reset forces the breaker to CLOSED and zeroes its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.lastFailure = time.Time{}
	cb.metrics = BreakerMetrics{Name: cb.cfg.Name, State: StateClosed}
}
