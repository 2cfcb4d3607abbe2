// Package queue provides named job queues: a Transport abstraction with Redis and in-memory
// implementations, and a generic Pipeline that runs job bodies through a circuit breaker and
// routes exhausted jobs to the dead-letter queue.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/resilience"
)

// ErrPermanentJobFailure marks a job that failed its final attempt.
var ErrPermanentJobFailure = apperrors.New("permanent job failure")

// maxJobBackoff caps the delay between attempts of a job.
const maxJobBackoff = time.Hour

// ErrUnsupportedCleanState is returned when cleaning a state other than completed or failed.
var ErrUnsupportedCleanState = apperrors.Wrap(apperrors.ErrInvalidInput, "only completed or failed jobs can be cleaned")

// JobState is the lifecycle state of a job inside a transport.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Backoff configures the delay between attempts of a job.
type Backoff struct {
	Type  resilience.BackoffType `json:"type"`
	Delay time.Duration          `json:"delay"`
}

// JobOptions control how a transport schedules and retries a job.
type JobOptions struct {
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Delay            time.Duration `json:"delay"`
	Priority         int           `json:"priority"`
	RemoveOnComplete bool          `json:"remove_on_complete"`
	RemoveOnFail     bool          `json:"remove_on_fail"`
}

// DefaultJobOptions returns 3 attempts with exponential backoff from 2s, keeping finished jobs
// for inspection.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff: Backoff{
			Type:  resilience.BackoffExponential,
			Delay: 2 * time.Second,
		},
	}
}

// JobOption overrides a single job option.
type JobOption func(*JobOptions)

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) JobOption {
	return func(o *JobOptions) { o.Attempts = n }
}

// WithBackoff sets the backoff strategy.
func WithBackoff(t resilience.BackoffType, delay time.Duration) JobOption {
	return func(o *JobOptions) { o.Backoff = Backoff{Type: t, Delay: delay} }
}

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) JobOption {
	return func(o *JobOptions) { o.Delay = d }
}

// WithPriority sets the job priority. Higher runs first.
func WithPriority(p int) JobOption {
	return func(o *JobOptions) { o.Priority = p }
}

// WithRemoveOnComplete drops the job once it completes.
func WithRemoveOnComplete() JobOption {
	return func(o *JobOptions) { o.RemoveOnComplete = true }
}

// WithRemoveOnFail drops the job once it fails for good.
func WithRemoveOnFail() JobOption {
	return func(o *JobOptions) { o.RemoveOnFail = true }
}

// Job is a unit of work on a named queue.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Options      JobOptions      `json:"options"`
	AttemptsMade int             `json:"attempts_made"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ReadyAt      time.Time       `json:"ready_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// NewJob builds a job for queue with the given JSON payload and options.
func NewJob(queue string, data json.RawMessage, opts JobOptions, now time.Time) *Job {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Job{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Queue:     queue,
		Data:      data,
		Options:   opts,
		CreatedAt: now,
		ReadyAt:   now.Add(opts.Delay),
	}
}

// IsLastAttempt reports whether the running attempt is the last one configured.
func (j *Job) IsLastAttempt() bool {
	return j.AttemptsMade >= j.Options.Attempts-1
}

// fail records a failed attempt and reports whether the job gets another one, and when.
// Permanent and business errors end the job whatever attempts are left.
func (j *Job) fail(err error, now time.Time) (retry bool, readyAt time.Time) {
	j.AttemptsMade++
	if err != nil {
		j.FailedReason = err.Error()
	}
	if j.AttemptsMade >= j.Options.Attempts || !retryable(err) {
		j.FinishedAt = &now
		return false, time.Time{}
	}

	policy := resilience.RetryPolicy{
		Delay:    j.Options.Backoff.Delay,
		Backoff:  j.Options.Backoff.Type,
		MaxDelay: maxJobBackoff,
	}
	j.ReadyAt = now.Add(policy.DelayFor(j.AttemptsMade))
	return true, j.ReadyAt
}

// permanentError marks a failure that no further attempt can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job is not retried and goes to the dead-letter queue as a
// permanent failure right away. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return apperrors.As(err, &pe)
}

// retryable reports whether err leaves room for another attempt. A business error fails the
// same way on every attempt.
func retryable(err error) bool {
	return !IsPermanent(err) && !apperrors.IsBusiness(err)
}

func (j *Job) clone() *Job {
	cp := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
