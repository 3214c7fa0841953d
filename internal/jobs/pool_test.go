package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accuscene/corefabric/pkg/retry"
	"github.com/accuscene/corefabric/pkg/utils"
)

func testLoggerJobs(t *testing.T) *utils.StructuredLogger {
	t.Helper()
	l, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.ERROR, Output: nopWriter{}})
	require.NoError(t, err)
	return l
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	queue := NewFIFOQueue()
	executor := NewExecutor(retry.DefaultConfig(), testLoggerJobs(t))

	var processed atomic.Int64
	config := DefaultPoolConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 2
	config.IdlePollInterval = 5 * time.Millisecond

	pool := NewPool(config, queue, executor, testLoggerJobs(t), func(ctx Context, job Job) (Result, error) {
		processed.Add(1)
		return Result{JobID: ctx.JobID, Success: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		queue.Push(NewJob(ID(itoa(int64(i))), "t", nil, 0, time.Second))
	}

	pool.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Shutdown()

	assert.Equal(t, int64(10), processed.Load())
}

func TestPoolUtilizationAndScaleDecision(t *testing.T) {
	queue := NewFIFOQueue()
	executor := NewExecutor(retry.DefaultConfig(), testLoggerJobs(t))
	config := DefaultPoolConfig()

	pool := NewPool(config, queue, executor, testLoggerJobs(t), func(ctx Context, job Job) (Result, error) {
		return Result{Success: true}, nil
	})

	pool.active.Store(4)
	pool.busy.Store(4)
	assert.Equal(t, float64(1), pool.Utilization())
	assert.True(t, pool.shouldScaleUp())

	pool.busy.Store(0)
	assert.Equal(t, float64(0), pool.Utilization())
	assert.True(t, pool.shouldScaleDown())
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := newSemaphore(1)
	ctx := context.Background()

	require.True(t, sem.acquire(ctx))

	acquired := make(chan bool, 1)
	go func() {
		withTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		acquired <- sem.acquire(withTimeout)
	}()

	assert.False(t, <-acquired, "second acquire should block until release")
	sem.release()
}
