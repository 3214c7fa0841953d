// Package batch coalesces many small replicated-store operations into
// fewer round trips against the versioned store, the way a write-behind
// buffer amortizes per-call overhead across a burst of traffic.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Operation represents a batched store operation.
type Operation struct {
	ID        string
	Type      OperationType
	Key       string
	Data      []byte
	Context   context.Context
	Callback  func(error)
	Timestamp time.Time
}

// OperationType defines the kind of batched operation.
type OperationType int

const (
	OpTypeRead OperationType = iota
	OpTypeWrite
	OpTypeDelete
	OpTypeExists
)

// String returns the string representation of an operation type.
func (ot OperationType) String() string {
	switch ot {
	case OpTypeRead:
		return "READ"
	case OpTypeWrite:
		return "WRITE"
	case OpTypeDelete:
		return "DELETE"
	case OpTypeExists:
		return "EXISTS"
	default:
		return "UNKNOWN"
	}
}

// Processor batches operations against a Backend for improved throughput.
type Processor struct {
	maxBatchSize   int
	maxWaitTime    time.Duration
	maxConcurrency int

	mu         sync.Mutex
	operations map[OperationType][]*Operation
	flushTimer *time.Timer
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool

	backend Backend

	stats ProcessorStats
}

// Backend is the versioned-store surface the processor batches calls
// against. internal/replication.Store is adapted behind this interface by
// internal/fabric's storeBackend, which fabric.New wires in.
type Backend interface {
	ReadValue(ctx context.Context, key string) ([]byte, error)
	WriteValue(ctx context.Context, key string, data []byte) error
	DeleteValue(ctx context.Context, key string) error
	ExistsValue(ctx context.Context, key string) (bool, error)

	// Batch operations, used when the backend can service many keys in
	// one round trip.
	ReadValues(ctx context.Context, keys []string) (map[string][]byte, error)
	WriteValues(ctx context.Context, values map[string][]byte) error
}

// ProcessorConfig configures batching thresholds.
type ProcessorConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxWaitTime    time.Duration `yaml:"max_wait_time"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// ProcessorStats tracks batch processor statistics.
type ProcessorStats struct {
	TotalOperations   int64         `json:"total_operations"`
	BatchedOperations int64         `json:"batched_operations"`
	BatchCount        int64         `json:"batch_count"`
	AverageBatchSize  float64       `json:"average_batch_size"`
	AverageWaitTime   time.Duration `json:"average_wait_time"`
	FlushCount        int64         `json:"flush_count"`
	ErrorCount        int64         `json:"error_count"`
}

// NewProcessor creates a batch processor over backend.
func NewProcessor(backend Backend, config *ProcessorConfig) *Processor {
	if config == nil {
		config = &ProcessorConfig{
			MaxBatchSize:   100,
			MaxWaitTime:    10 * time.Millisecond,
			MaxConcurrency: 10,
		}
	}

	return &Processor{
		maxBatchSize:   config.MaxBatchSize,
		maxWaitTime:    config.MaxWaitTime,
		maxConcurrency: config.MaxConcurrency,
		operations:     make(map[OperationType][]*Operation),
		stopCh:         make(chan struct{}),
		backend:        backend,
	}
}

// Start begins the background flush loop.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("processor already started")
	}

	p.started = true
	p.wg.Add(1)
	go p.processLoop()

	return nil
}

// Stop halts the flush loop and flushes any pending operations.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("processor not started")
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.flush()

	return nil
}

// Submit queues op for batching, flushing immediately if the batch for
// its type has reached maxBatchSize.
func (p *Processor) Submit(op *Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return fmt.Errorf("processor not started")
	}

	p.operations[op.Type] = append(p.operations[op.Type], op)
	p.stats.TotalOperations++

	if p.shouldFlush() {
		go p.flush()
	} else if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(p.maxWaitTime, func() {
			p.flush()
		})
	}

	return nil
}

func (p *Processor) shouldFlush() bool {
	for _, ops := range p.operations {
		if len(ops) >= p.maxBatchSize {
			return true
		}
	}
	return false
}

func (p *Processor) flush() {
	p.mu.Lock()

	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}

	toProcess := make(map[OperationType][]*Operation)
	for opType, ops := range p.operations {
		if len(ops) > 0 {
			toProcess[opType] = make([]*Operation, len(ops))
			copy(toProcess[opType], ops)
			p.operations[opType] = nil
		}
	}

	p.mu.Unlock()

	if len(toProcess) == 0 {
		return
	}

	p.stats.FlushCount++

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.maxConcurrency)

	for opType, ops := range toProcess {
		if len(ops) == 0 {
			continue
		}

		wg.Add(1)
		go func(opType OperationType, ops []*Operation) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			p.processBatch(opType, ops)
		}(opType, ops)
	}

	wg.Wait()
}

func (p *Processor) processBatch(opType OperationType, ops []*Operation) {
	if len(ops) == 0 {
		return
	}

	p.stats.BatchCount++
	p.stats.BatchedOperations += int64(len(ops))

	if p.stats.BatchCount > 0 {
		p.stats.AverageBatchSize = float64(p.stats.BatchedOperations) / float64(p.stats.BatchCount)
	}

	switch opType {
	case OpTypeRead:
		p.processReadBatch(ops)
	case OpTypeWrite:
		p.processWriteBatch(ops)
	case OpTypeDelete:
		p.processDeleteBatch(ops)
	case OpTypeExists:
		p.processExistsBatch(ops)
	}
}

func (p *Processor) processReadBatch(ops []*Operation) {
	keys := make([]string, len(ops))
	keyToOp := make(map[string]*Operation)

	for i, op := range ops {
		keys[i] = op.Key
		keyToOp[op.Key] = op
	}

	results, err := p.backend.ReadValues(context.Background(), keys)
	if err != nil {
		for _, op := range ops {
			_, readErr := p.backend.ReadValue(op.Context, op.Key)
			if readErr != nil {
				p.stats.ErrorCount++
			}
			if op.Callback != nil {
				op.Callback(readErr)
			}
		}
		return
	}

	for key := range results {
		if op, exists := keyToOp[key]; exists && op.Callback != nil {
			op.Callback(nil)
		}
	}

	for _, op := range ops {
		if _, exists := results[op.Key]; !exists {
			p.stats.ErrorCount++
			if op.Callback != nil {
				op.Callback(fmt.Errorf("key %q not returned by batch read", op.Key))
			}
		}
	}
}

func (p *Processor) processWriteBatch(ops []*Operation) {
	values := make(map[string][]byte, len(ops))
	for _, op := range ops {
		values[op.Key] = op.Data
	}

	err := p.backend.WriteValues(context.Background(), values)
	if err != nil {
		for _, op := range ops {
			writeErr := p.backend.WriteValue(op.Context, op.Key, op.Data)
			if writeErr != nil {
				p.stats.ErrorCount++
			}
			if op.Callback != nil {
				op.Callback(writeErr)
			}
		}
		return
	}

	for _, op := range ops {
		if op.Callback != nil {
			op.Callback(nil)
		}
	}
}

func (p *Processor) processDeleteBatch(ops []*Operation) {
	for _, op := range ops {
		err := p.backend.DeleteValue(op.Context, op.Key)
		if err != nil {
			p.stats.ErrorCount++
		}
		if op.Callback != nil {
			op.Callback(err)
		}
	}
}

func (p *Processor) processExistsBatch(ops []*Operation) {
	for _, op := range ops {
		_, err := p.backend.ExistsValue(op.Context, op.Key)
		if err != nil {
			p.stats.ErrorCount++
		}
		if op.Callback != nil {
			op.Callback(err)
		}
	}
}

func (p *Processor) processLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.maxWaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

// GetStats returns current processor statistics.
func (p *Processor) GetStats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
