package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/accuscene/corefabric/pkg/errors"
	"github.com/accuscene/corefabric/pkg/retry"
	"github.com/accuscene/corefabric/pkg/utils"
)

// Executor runs one job at a time to completion per §4.6: before_execute,
// execute-under-timeout, after_execute/on_failure, then consults the
// RetryPolicy and loops until it either succeeds or exhausts retries.
type Executor struct {
	retryConfig retry.Config
	logger      *utils.StructuredLogger

	mu      sync.RWMutex
	results map[ID]Result
}

// NewExecutor builds an Executor with the given retry policy.
func NewExecutor(retryConfig retry.Config, logger *utils.StructuredLogger) *Executor {
	return &Executor{
		retryConfig: retryConfig,
		logger:      logger,
		results:     make(map[ID]Result),
	}
}

// Execute runs job against run under hooks, retrying per the configured
// RetryPolicy. It always returns a Result (success or final failure) and
// has no separate error return; a BeforeExecute hook error is logged and
// the attempt still runs.
func (e *Executor) Execute(ctx context.Context, job Job, hooks Hooks, run func(Context) (Result, error)) Result {
	start := time.Now()
	attempt := 0

	for {
		attempt++
		jctx := Context{JobID: job.ID, Attempt: attempt}

		if hooks.BeforeExecute != nil {
			if err := hooks.BeforeExecute(jctx); err != nil {
				e.logger.Error("before_execute hook failed", map[string]interface{}{"job_id": string(job.ID), "error": err.Error()})
			}
		}

		result, err := e.runWithTimeout(ctx, job, jctx, run)
		result.Attempts = attempt
		result.DurationMs = time.Since(start).Milliseconds()
		result.CompletedAt = time.Now()

		if err == nil && result.Success {
			if hooks.AfterExecute != nil {
				hooks.AfterExecute(jctx, result)
			}
			e.storeResult(job.ID, result)
			return result
		}

		if err == nil {
			err = errors.NewError(errors.ErrCodeComputeFailed, result.Err).WithComponent("jobs")
		}
		if hooks.OnFailure != nil {
			hooks.OnFailure(jctx, err)
		}

		if attempt <= job.MaxRetries && e.shouldRetry(err) {
			delay := e.nextDelay(attempt)
			e.logger.Warn("job failed, retrying", map[string]interface{}{
				"job_id": string(job.ID), "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				result.Err = "cancelled"
				e.storeResult(job.ID, result)
				return result
			case <-time.After(delay):
			}
			continue
		}

		result.Success = false
		if result.Err == "" {
			result.Err = err.Error()
		}
		e.storeResult(job.ID, result)
		return result
	}
}

func (e *Executor) runWithTimeout(ctx context.Context, job Job, jctx Context, run func(Context) (Result, error)) (Result, error) {
	if job.Timeout <= 0 {
		return run(jctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := run(jctx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return Result{JobID: job.ID, Success: false, Err: "timeout"},
			errors.NewError(errors.ErrCodeTimeout, "job execution timed out").WithComponent("jobs").WithDetail("job_id", string(job.ID))
	}
}

func (e *Executor) shouldRetry(err error) bool {
	var fabErr *errors.FabricError
	if fe, ok := err.(*errors.FabricError); ok {
		fabErr = fe
	}
	if fabErr == nil {
		return false
	}
	if fabErr.Retryable {
		return true
	}
	for _, code := range e.retryConfig.RetryableErrors {
		if fabErr.Code == code {
			return true
		}
	}
	return false
}

// nextDelay computes min(max_delay, initial*multiplier^(attempt-1)) then
// perturbs by a uniform factor in [1-jitter, 1+jitter], per RetryPolicy.
func (e *Executor) nextDelay(attempt int) time.Duration {
	r := retry.New(e.retryConfig)
	return r.Delay(attempt)
}

func (e *Executor) storeResult(id ID, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[id] = result
}

// GetResult returns the stored result for a job id, if any.
func (e *Executor) GetResult(id ID) (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.results[id]
	return r, ok
}

// ClearResult removes the stored result for a job id.
func (e *Executor) ClearResult(id ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.results[id]
	delete(e.results, id)
	return ok
}
