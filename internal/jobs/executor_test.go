package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accuscene/corefabric/pkg/errors"
	"github.com/accuscene/corefabric/pkg/retry"
	"github.com/accuscene/corefabric/pkg/utils"
)

func testExecutor(t *testing.T, cfg retry.Config) *Executor {
	t.Helper()
	l, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.ERROR, Output: nopWriter{}})
	require.NoError(t, err)
	return NewExecutor(cfg, l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestExecutorSucceedsFirstAttempt(t *testing.T) {
	e := testExecutor(t, retry.DefaultConfig())
	job := NewJob("j1", "test", nil, 3, time.Second)

	result := e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		return Result{JobID: job.ID, Success: true}, nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecutorRetriesRetryableFailure(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	e := testExecutor(t, cfg)

	job := NewJob("j2", "test", nil, 3, time.Second)
	attempts := 0

	result := e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		attempts++
		if attempts < 3 {
			return Result{JobID: job.ID, Success: false}, errors.NewError(errors.ErrCodeTimeout, "timed out").WithComponent("jobs")
		}
		return Result{JobID: job.ID, Success: true}, nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
}

func TestExecutorGivesUpAfterMaxRetries(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	e := testExecutor(t, cfg)

	job := NewJob("j3", "test", nil, 2, time.Second)
	attempts := 0

	result := e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		attempts++
		return Result{JobID: job.ID, Success: false}, errors.NewError(errors.ErrCodeTimeout, "timed out").WithComponent("jobs")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestExecutorDoesNotRetryNonRetryableError(t *testing.T) {
	cfg := retry.DefaultConfig()
	e := testExecutor(t, cfg)
	job := NewJob("j4", "test", nil, 5, time.Second)
	attempts := 0

	result := e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		attempts++
		return Result{JobID: job.ID, Success: false}, errors.NewError(errors.ErrCodeConflict, "conflict").WithComponent("jobs")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, attempts)
}

func TestExecutorTimesOutLongRunningJob(t *testing.T) {
	e := testExecutor(t, retry.DefaultConfig())
	job := NewJob("j5", "test", nil, 0, 5*time.Millisecond)

	result := e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		time.Sleep(50 * time.Millisecond)
		return Result{JobID: job.ID, Success: true}, nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, "timeout", result.Err)
}

func TestExecutorRunsHooks(t *testing.T) {
	e := testExecutor(t, retry.DefaultConfig())
	job := NewJob("j6", "test", nil, 0, time.Second)

	var beforeCalled, afterCalled bool
	hooks := Hooks{
		BeforeExecute: func(ctx Context) error { beforeCalled = true; return nil },
		AfterExecute:  func(ctx Context, result Result) { afterCalled = true },
	}

	e.Execute(context.Background(), job, hooks, func(ctx Context) (Result, error) {
		return Result{JobID: job.ID, Success: true}, nil
	})

	assert.True(t, beforeCalled)
	assert.True(t, afterCalled)
}

func TestExecutorOnFailureHookInvoked(t *testing.T) {
	e := testExecutor(t, retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	job := NewJob("j7", "test", nil, 0, time.Second)

	var failureCalled bool
	hooks := Hooks{OnFailure: func(ctx Context, err error) { failureCalled = true }}

	e.Execute(context.Background(), job, hooks, func(ctx Context) (Result, error) {
		return Result{JobID: job.ID, Success: false, Err: "boom"}, nil
	})

	assert.True(t, failureCalled)
}

func TestExecutorStoresAndClearsResult(t *testing.T) {
	e := testExecutor(t, retry.DefaultConfig())
	job := NewJob("j8", "test", nil, 0, time.Second)

	e.Execute(context.Background(), job, Hooks{}, func(ctx Context) (Result, error) {
		return Result{JobID: job.ID, Success: true}, nil
	})

	result, ok := e.GetResult(job.ID)
	require.True(t, ok)
	assert.True(t, result.Success)

	assert.True(t, e.ClearResult(job.ID))
	_, ok = e.GetResult(job.ID)
	assert.False(t, ok)
}
