// Package jobs implements the persistent queue, worker pool, retry-with-
// jitter executor, and delayed scheduler that make up the job execution
// fabric described in §4.6: callers submit work, the fabric runs it with
// hooks and retries, and results land in a result store keyed by job id.
package jobs

import (
	"time"
)

// ID identifies a job across its lifetime: submission, retries, and the
// stored result.
type ID string

// Job is one unit of work submitted to the fabric. Jobs are serializable
// so an executor can respawn them after a crash.
type Job struct {
	ID         ID
	Name       string
	Payload    []byte
	MaxRetries int
	Timeout    time.Duration
	Attempt    int
	CreatedAt  time.Time
	Priority   int // higher runs first in a priority queue
}

// NewJob builds a Job with the caller-supplied id and a zeroed attempt counter.
func NewJob(id ID, name string, payload []byte, maxRetries int, timeout time.Duration) Job {
	return Job{
		ID:         id,
		Name:       name,
		Payload:    payload,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
	}
}

// Result is the outcome of running a job to completion (success or
// exhausted retries).
type Result struct {
	JobID       ID
	Success     bool
	Output      []byte
	Err         string
	Attempts    int
	DurationMs  int64
	CompletedAt time.Time
}

// Context is handed to every executor hook and to the job's compute
// function, carrying the current attempt number and worker identity.
type Context struct {
	JobID    ID
	WorkerID string
	Attempt  int
}

// WithAttempt returns a copy of ctx for a new attempt number.
func (c Context) WithAttempt(attempt int) Context {
	c.Attempt = attempt
	return c
}

// Runnable is the behavior a job type must supply: the compute function
// itself. Lifecycle hooks are not part of this interface; they are passed
// separately as Hooks.
type Runnable interface {
	Execute(ctx Context) (Result, error)
}

// Hooks are optional lifecycle callbacks an executor invokes around
// Runnable.Execute. Any entry left nil is skipped.
type Hooks struct {
	BeforeExecute func(ctx Context) error
	AfterExecute  func(ctx Context, result Result)
	OnFailure     func(ctx Context, err error)
}
