// Package fabric wires the five CORE subsystems (membership, consensus,
// replication, the job fabric, and the cache layer) into the six external
// operations named in spec.md §6: submit_job, await_result,
// cache_get_or_compute, replicated_apply, read_versioned, and
// cluster_members. It is the one place that knows about all five
// subsystems at once; everything below it knows only its own concern.
package fabric

import (
	"context"
	"time"

	"github.com/accuscene/corefabric/internal/batch"
	"github.com/accuscene/corefabric/internal/cache"
	"github.com/accuscene/corefabric/internal/circuit"
	"github.com/accuscene/corefabric/internal/consensus"
	"github.com/accuscene/corefabric/internal/jobs"
	"github.com/accuscene/corefabric/internal/membership"
	"github.com/accuscene/corefabric/internal/metrics"
	"github.com/accuscene/corefabric/internal/replication"
	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/errors"
	"github.com/accuscene/corefabric/pkg/utils"
)

// JobHandler computes the result payload for one named job. Handlers are
// registered by collaborator crates; the fabric itself knows nothing
// about their data, per spec.md §1.
type JobHandler func(ctx jobs.Context, payload []byte) ([]byte, error)

// Node is one node's CORE substrate: the five subsystems plus the glue
// that exposes them as the six external operations.
type Node struct {
	ID wire.NodeID

	Membership *membership.Protocol
	Consensus  *consensus.Engine
	Versioned  *replication.Store
	Cache      *cache.ComputedCache
	Queue      jobs.Queue
	Executor   *jobs.Executor
	Pool       *jobs.Pool
	Scheduler  *jobs.DelayedScheduler

	// StoreBatch coalesces ReadVersioned/WriteVersioned calls against
	// Versioned into fewer round trips; see internal/batch.
	StoreBatch *batch.Processor

	logger        *utils.StructuredLogger
	queueCapacity int
	handlers      map[string]JobHandler

	pollInterval time.Duration

	metrics     *metrics.Collector
	breakers    *circuit.Manager
	debugSessID string
}

// Config bundles the dependencies Node needs beyond what's already
// encapsulated in each subsystem's own constructor.
type Config struct {
	QueueCapacity int           // 0 = unbounded
	PollInterval  time.Duration // how often AwaitResult/ReplicatedApply poll for completion
}

// New assembles a Node from already-constructed subsystems. Callers
// (typically cmd/fabricd) build each subsystem from pkg/config and pass
// them in here; Node only adds the cross-subsystem orchestration.
func New(id wire.NodeID, cfg Config, m *membership.Protocol, c *consensus.Engine, v *replication.Store,
	cc *cache.ComputedCache, queue jobs.Queue, executor *jobs.Executor, pool *jobs.Pool,
	scheduler *jobs.DelayedScheduler, logger *utils.StructuredLogger) *Node {

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}

	storeBatch := batch.NewProcessor(newStoreBackend(v, id), nil)
	_ = storeBatch.Start()

	return &Node{
		ID:            id,
		Membership:    m,
		Consensus:     c,
		Versioned:     v,
		Cache:         cc,
		Queue:         queue,
		Executor:      executor,
		Pool:          pool,
		Scheduler:     scheduler,
		StoreBatch:    storeBatch,
		logger:        logger,
		queueCapacity: cfg.QueueCapacity,
		handlers:      make(map[string]JobHandler),
		pollInterval:  poll,
	}
}

// Shutdown stops the background goroutines Node itself owns (currently
// just StoreBatch's flush loop); subsystem goroutines started by the
// caller (Pool, Scheduler, Membership, Consensus) are stopped separately.
func (n *Node) Shutdown() {
	_ = n.StoreBatch.Stop()
}

// WithMetrics attaches a metrics collector that records every external
// operation's duration, size, and outcome. Optional; a nil collector
// (the default) means metrics recording is skipped.
func (n *Node) WithMetrics(m *metrics.Collector) *Node {
	n.metrics = m
	return n
}

// WithCircuitBreakers attaches a breaker manager guarding the consensus
// proposal made by replicated_apply; read_versioned is not guarded.
// Optional; without one replicated_apply runs unguarded.
func (n *Node) WithCircuitBreakers(b *circuit.Manager) *Node {
	n.breakers = b
	return n
}

// WithDebugSession attaches a utils debug session; every external
// operation is then traced via utils.StartTrace/End, so operators can
// turn on per-component timing and event capture without a rebuild.
// Optional; without one recordOp only reports to metrics.
func (n *Node) WithDebugSession(sessionID string) *Node {
	n.debugSessID = sessionID
	return n
}

func (n *Node) recordOp(name string, start time.Time, size int, err error) {
	if n.debugSessID != "" {
		trace := utils.StartTrace(n.debugSessID, "fabric", name, map[string]interface{}{"size": size})
		if err != nil {
			trace.EndWithError(err)
		} else {
			trace.End("ok")
		}
	}
	if n.metrics == nil {
		return
	}
	n.metrics.RecordOperation(name, time.Since(start), int64(size), err == nil)
	if err != nil {
		n.metrics.RecordError(name, err)
	}
}

// RegisterHandler binds name to fn; jobs submitted with that Name invoke
// fn when a worker picks them up. Jobs with an unregistered name fall
// back to an identity handler that echoes the payload back as the result.
func (n *Node) RegisterHandler(name string, fn JobHandler) {
	n.handlers[name] = fn
}

// Dispatch is the runFunc every pool worker invokes; it looks up the
// handler registered for job.Name and reports the outcome as a Result.
// Its signature matches jobs.Pool's runFunc: the pool passes the popped
// Job alongside the per-attempt Context.
func (n *Node) Dispatch(ctx jobs.Context, job jobs.Job) (jobs.Result, error) {
	handler, ok := n.handlers[job.Name]
	if !ok {
		handler = func(_ jobs.Context, payload []byte) ([]byte, error) { return payload, nil }
	}
	output, err := handler(ctx, job.Payload)
	if err != nil {
		return jobs.Result{JobID: job.ID, Success: false, Err: err.Error()}, err
	}
	return jobs.Result{JobID: job.ID, Success: true, Output: output}, nil
}

// SubmitJob enqueues job for execution by the worker pool. It returns
// QueueFull if the queue is already at its configured capacity.
func (n *Node) SubmitJob(job jobs.Job) (jobs.ID, error) {
	start := time.Now()
	if n.queueCapacity > 0 && n.Queue.Len() >= n.queueCapacity {
		err := errors.NewError(errors.ErrCodeQueueFull, "job queue is at capacity").
			WithComponent("fabric").WithContext("job_name", job.Name)
		n.recordOp("submit_job", start, len(job.Payload), err)
		return "", err
	}
	n.Queue.Push(job)
	n.recordOp("submit_job", start, len(job.Payload), nil)
	return job.ID, nil
}

// AwaitResult blocks until id's result is stored or deadline passes,
// whichever comes first.
func (n *Node) AwaitResult(ctx context.Context, id jobs.ID, deadline time.Time) (jobs.Result, error) {
	start := time.Now()
	if r, ok := n.Executor.GetResult(id); ok {
		n.recordOp("await_result", start, len(r.Output), nil)
		return r, nil
	}

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := errors.NewError(errors.ErrCodeCancelled, "await_result cancelled").WithComponent("fabric")
			n.recordOp("await_result", start, 0, err)
			return jobs.Result{}, err
		case <-ticker.C:
			if r, ok := n.Executor.GetResult(id); ok {
				n.recordOp("await_result", start, len(r.Output), nil)
				return r, nil
			}
			if time.Now().After(deadline) {
				err := errors.NewError(errors.ErrCodeTimeout, "await_result deadline exceeded").
					WithComponent("fabric").WithContext("job_id", string(id))
				n.recordOp("await_result", start, 0, err)
				return jobs.Result{}, err
			}
		}
	}
}

// CacheGetOrCompute is a thin pass-through to the wrapped ComputedCache,
// named to match the external op table in spec.md §6.
func (n *Node) CacheGetOrCompute(key cache.Key, ttl time.Duration, compute cache.ComputeFunc) ([]byte, error) {
	start := time.Now()
	before := n.Cache.Stats()
	out, err := n.Cache.GetOrCompute(key, ttl, compute)
	n.recordOp("cache_get_or_compute", start, len(out), err)
	if n.metrics != nil {
		after := n.Cache.Stats()
		if after.Hits > before.Hits {
			n.metrics.RecordCacheHit(key.String(), int64(len(out)))
		} else if after.Misses > before.Misses {
			n.metrics.RecordCacheMiss(key.String(), int64(len(out)))
		}
	}
	return out, err
}

// ReplicatedApply proposes payload to the replicated log and waits for
// it to commit, up to ctx's deadline. It returns NotLeader immediately
// if this node isn't the current leader (Propose never blocks for that
// case) and Timeout if ctx expires before the entry commits.
func (n *Node) ReplicatedApply(ctx context.Context, payload []byte) (uint64, error) {
	start := time.Now()
	index, err := n.applyGuarded(payload)
	if err != nil {
		n.recordOp("replicated_apply", start, len(payload), err)
		return 0, err
	}

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		if n.Consensus.Log().CommitIndex() >= index {
			n.recordOp("replicated_apply", start, len(payload), nil)
			return index, nil
		}
		select {
		case <-ctx.Done():
			err := errors.NewError(errors.ErrCodeTimeout, "replicated_apply deadline exceeded").
				WithComponent("fabric").WithContext("index", itoa64(index))
			n.recordOp("replicated_apply", start, len(payload), err)
			return 0, err
		case <-ticker.C:
		}
	}
}

// applyGuarded proposes payload through the circuit breaker registered
// for "consensus.propose", if one is attached, so a leaderless or
// partitioned cluster fails fast instead of piling up proposals.
func (n *Node) applyGuarded(payload []byte) (uint64, error) {
	if n.breakers == nil {
		return n.Consensus.Propose(payload)
	}

	breaker := n.breakers.GetBreaker("consensus.propose")
	var index uint64
	err := breaker.Execute(func() error {
		var proposeErr error
		index, proposeErr = n.Consensus.Propose(payload)
		return proposeErr
	})
	return index, err
}

// ReadVersioned returns the current Resolution (single value or
// unresolved siblings) for key. The read is first coalesced through
// StoreBatch, so a burst of concurrent reads for distinct keys costs one
// backend round trip instead of one per caller; the Resolution itself
// (with its sibling/vector-clock detail that a plain []byte can't carry)
// still comes from Versioned directly once the batched read completes.
func (n *Node) ReadVersioned(key string) (replication.Resolution, error) {
	start := time.Now()

	if err := n.submitBatched(batch.OpTypeRead, key, nil); err != nil {
		n.recordOp("read_versioned", start, 0, err)
		return replication.Resolution{}, err
	}

	res, err := n.Versioned.Read(key)
	size := 0
	if res.IsResolved() {
		size = len(res.Value.Payload)
	}
	n.recordOp("read_versioned", start, size, err)
	return res, err
}

// WriteVersioned stores payload under key through StoreBatch, coalescing
// concurrent writes into fewer round trips against Versioned, then
// returns the Resolution the write reconciled to (a LastWriterWins
// decision, or unresolved siblings if a concurrent write raced it).
func (n *Node) WriteVersioned(key string, payload []byte) (replication.Resolution, error) {
	start := time.Now()

	if err := n.submitBatched(batch.OpTypeWrite, key, payload); err != nil {
		n.recordOp("write_versioned", start, len(payload), err)
		return replication.Resolution{}, err
	}

	res, err := n.Versioned.Read(key)
	n.recordOp("write_versioned", start, len(payload), err)
	return res, err
}

// submitBatched submits a read or write operation to StoreBatch and
// blocks until that operation's batch has been flushed and processed.
func (n *Node) submitBatched(opType batch.OperationType, key string, data []byte) error {
	done := make(chan error, 1)
	op := &batch.Operation{
		Type:      opType,
		Key:       key,
		Data:      data,
		Context:   context.Background(),
		Callback:  func(err error) { done <- err },
		Timestamp: time.Now(),
	}
	if err := n.StoreBatch.Submit(op); err != nil {
		return err
	}
	return <-done
}

// ClusterMembers returns a snapshot of every known node's membership
// state.
func (n *Node) ClusterMembers() []membership.Member {
	start := time.Now()
	members := n.Membership.Table().Members()
	n.recordOp("cluster_members", start, len(members), nil)
	return members
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
