package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: make(map[string][]byte)}
}

func (b *fakeBackend) ReadValue(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[key], nil
}

func (b *fakeBackend) WriteValue(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = data
	return nil
}

func (b *fakeBackend) DeleteValue(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *fakeBackend) ExistsValue(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[key]
	return ok, nil
}

func (b *fakeBackend) ReadValues(_ context.Context, keys []string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := b.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *fakeBackend) WriteValues(_ context.Context, values map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		b.values[k] = v
	}
	return nil
}

func TestProcessorFlushesOnMaxBatchSize(t *testing.T) {
	backend := newFakeBackend()
	p := NewProcessor(backend, &ProcessorConfig{MaxBatchSize: 3, MaxWaitTime: time.Hour, MaxConcurrency: 4})
	require.NoError(t, p.Start())
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, p.Submit(&Operation{
			Type:     OpTypeWrite,
			Key:      string(rune('a' + i)),
			Data:     []byte{byte(i)},
			Context:  context.Background(),
			Callback: func(err error) { assert.NoError(t, err); wg.Done() },
		}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not flush on reaching max batch size")
	}

	v, err := backend.ReadValue(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, v)
}

func TestProcessorFlushesOnTimer(t *testing.T) {
	backend := newFakeBackend()
	p := NewProcessor(backend, &ProcessorConfig{MaxBatchSize: 100, MaxWaitTime: 20 * time.Millisecond, MaxConcurrency: 4})
	require.NoError(t, p.Start())
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(&Operation{
		Type:     OpTypeWrite,
		Key:      "solo",
		Data:     []byte("x"),
		Context:  context.Background(),
		Callback: func(err error) { assert.NoError(t, err); wg.Done() },
	}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not flush on timer")
	}
}

func TestProcessorStatsTrackBatches(t *testing.T) {
	backend := newFakeBackend()
	p := NewProcessor(backend, &ProcessorConfig{MaxBatchSize: 2, MaxWaitTime: time.Hour, MaxConcurrency: 4})
	require.NoError(t, p.Start())
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(&Operation{
			Type:     OpTypeWrite,
			Key:      string(rune('a' + i)),
			Data:     []byte{byte(i)},
			Context:  context.Background(),
			Callback: func(error) { wg.Done() },
		}))
	}
	wg.Wait()

	stats := p.GetStats()
	assert.Equal(t, int64(2), stats.TotalOperations)
	assert.GreaterOrEqual(t, stats.BatchCount, int64(1))
}

func TestProcessorSubmitBeforeStartErrors(t *testing.T) {
	p := NewProcessor(newFakeBackend(), nil)
	err := p.Submit(&Operation{Type: OpTypeRead, Key: "x", Context: context.Background()})
	require.Error(t, err)
}

func TestProcessorReadMissingKeyReportsError(t *testing.T) {
	backend := newFakeBackend()
	p := NewProcessor(backend, &ProcessorConfig{MaxBatchSize: 1, MaxWaitTime: time.Hour, MaxConcurrency: 4})
	require.NoError(t, p.Start())
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	require.NoError(t, p.Submit(&Operation{
		Type:    OpTypeRead,
		Key:     "missing",
		Context: context.Background(),
		Callback: func(err error) {
			gotErr = err
			wg.Done()
		},
	}))
	wg.Wait()
	assert.Error(t, gotErr)
}
