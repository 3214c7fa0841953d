package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputedCacheGetOrComputeMiss(t *testing.T) {
	cc := NewComputedCache(NewLRUCache(16))
	key := Key{Namespace: "compute", Identifier: "expensive"}

	var calls atomic.Int32
	payload, err := cc.GetOrCompute(key, time.Minute, func(Key) ([]byte, error) {
		calls.Add(1)
		return []byte("result"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), payload)
	assert.Equal(t, int32(1), calls.Load())

	// Second call is a cache hit; compute must not run again.
	payload2, err := cc.GetOrCompute(key, time.Minute, func(Key) ([]byte, error) {
		calls.Add(1)
		return []byte("should-not-run"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), payload2)
	assert.Equal(t, int32(1), calls.Load())
}

// Scenario 4 from spec.md §8: 50 concurrent callers request the same key
// with a compute function that increments a counter. Counter after all
// return = 1; all 50 callers receive byte-identical results.
func TestComputedCacheSingleFlight(t *testing.T) {
	cc := NewComputedCache(NewLRUCache(16))
	key := Key{Namespace: "compute", Identifier: "shared"}

	var counter atomic.Int32
	var wg sync.WaitGroup
	results := make([][]byte, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			payload, err := cc.GetOrCompute(key, time.Minute, func(Key) ([]byte, error) {
				counter.Add(1)
				time.Sleep(10 * time.Millisecond)
				return []byte("computed-once"), nil
			})
			require.NoError(t, err)
			results[idx] = payload
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), counter.Load(), "compute must run exactly once across concurrent callers")
	for _, r := range results {
		assert.Equal(t, []byte("computed-once"), r)
	}
}

func TestComputedCacheInvalidate(t *testing.T) {
	cc := NewComputedCache(NewLRUCache(16))
	key := Key{Namespace: "compute", Identifier: "x"}

	var calls atomic.Int32
	compute := func(Key) ([]byte, error) {
		calls.Add(1)
		return []byte("v"), nil
	}

	_, err := cc.GetOrCompute(key, time.Minute, compute)
	require.NoError(t, err)
	cc.Invalidate(key)
	_, err = cc.GetOrCompute(key, time.Minute, compute)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestComputedCacheComputeFailurePropagates(t *testing.T) {
	cc := NewComputedCache(NewLRUCache(16))
	key := Key{Namespace: "compute", Identifier: "bad"}

	_, err := cc.GetOrCompute(key, time.Minute, func(Key) ([]byte, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
}
