package replication

import (
	"hash/crc32"
	"time"

	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/errors"
)

// Value is a versioned payload replicated outside the consensus log:
// caches, soft state, and cross-region replicas.
type Value struct {
	Payload   []byte
	Clock     Clock
	Timestamp time.Time
	Origin    wire.NodeID
	Checksum  uint32
}

// NewValue stamps a fresh checksum over payload and returns a Value
// attributed to origin at the given clock.
func NewValue(payload []byte, origin wire.NodeID, clock Clock) Value {
	data := make([]byte, len(payload))
	copy(data, payload)
	return Value{
		Payload:   data,
		Clock:     clock,
		Timestamp: time.Now(),
		Origin:    origin,
		Checksum:  crc32.ChecksumIEEE(data),
	}
}

// Verify recomputes the CRC and reports whether it still matches. Callers
// must check this on every read; a mismatch is a hard error, never silent
// corruption.
func (v Value) Verify() bool {
	return crc32.ChecksumIEEE(v.Payload) == v.Checksum
}

// VerifyOrError returns a Corrupted FabricError if the value fails its
// checksum, nil otherwise.
func (v Value) VerifyOrError() error {
	if v.Verify() {
		return nil
	}
	return errors.NewError(errors.ErrCodeCorrupted, "versioned value failed checksum verification").
		WithComponent("replication")
}

// Resolution is the outcome of reconciling one or more concurrent Values
// for the same key.
type Resolution struct {
	Value    Value
	Siblings []Value // populated only when the values could not be resolved to one
}

// IsResolved reports whether the resolution collapsed to a single winner.
func (r Resolution) IsResolved() bool {
	return len(r.Siblings) == 0
}

// Merger is an application-supplied function that reconciles concurrent
// siblings into one value, used by the ApplicationMerge resolver strategy.
type Merger func(siblings []Value) Value

// Strategy selects how concurrent siblings for the same key are reconciled.
type Strategy int

const (
	// StrategyLastWriterWins picks the sibling with the latest timestamp,
	// tie-broken by origin node id (lexicographically greatest wins, giving
	// a total order even when clocks tie to the nanosecond).
	StrategyLastWriterWins Strategy = iota
	// StrategyApplicationMerge defers to a caller-supplied Merger.
	StrategyApplicationMerge
	// StrategyKeepSiblings returns every concurrent value unresolved for
	// the caller to reconcile.
	StrategyKeepSiblings
)

// Resolver reconciles the receiver's local value against an incoming
// remote write for the same key, per §4.4's causal replication rule:
//
//	incoming Before local  → discard
//	incoming After local   → overwrite
//	Equal                  → no-op
//	Concurrent             → apply the configured strategy
type Resolver struct {
	Strategy Strategy
	Merge    Merger // required when Strategy == StrategyApplicationMerge
}

// NewResolver builds a Resolver using the given strategy.
func NewResolver(strategy Strategy, merge Merger) Resolver {
	return Resolver{Strategy: strategy, Merge: merge}
}

// Reconcile applies the write rule to a local value and an incoming remote
// value, returning the resolution. A nil local value (key previously
// absent) always accepts the incoming write.
func (r Resolver) Reconcile(local *Value, incoming Value) Resolution {
	if local == nil {
		return Resolution{Value: incoming}
	}

	switch incoming.Clock.Compare(local.Clock) {
	case Before:
		return Resolution{Value: *local}
	case After:
		return Resolution{Value: incoming}
	case Equal:
		return Resolution{Value: *local}
	default: // Concurrent
		return r.resolveConcurrent([]Value{*local, incoming})
	}
}

func (r Resolver) resolveConcurrent(siblings []Value) Resolution {
	switch r.Strategy {
	case StrategyLastWriterWins:
		winner := lastWriterWins(siblings)
		return Resolution{Value: winner}
	case StrategyApplicationMerge:
		merged := r.Merge(siblings)
		return Resolution{Value: merged}
	default: // StrategyKeepSiblings
		winners := nonDominated(siblings)
		if len(winners) == 1 {
			return Resolution{Value: winners[0]}
		}
		return Resolution{Siblings: winners}
	}
}

// lastWriterWins returns the sibling with the latest timestamp, breaking
// ties by comparing origin node ids byte-by-byte so the result is
// deterministic across replicas.
func lastWriterWins(values []Value) Value {
	best := values[0]
	for _, v := range values[1:] {
		if v.Timestamp.After(best.Timestamp) {
			best = v
			continue
		}
		if v.Timestamp.Equal(best.Timestamp) && nodeIDGreater(v.Origin, best.Origin) {
			best = v
		}
	}
	return best
}

func nodeIDGreater(a, b wire.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// nonDominated returns the values whose vector clock is not causally
// before any other value's clock in the set — i.e. the true concurrent
// frontier, discarding any sibling a newer value has already superseded.
func nonDominated(values []Value) []Value {
	var winners []Value
	for i, v := range values {
		dominated := false
		for j, other := range values {
			if i != j && v.Clock.HappensBefore(other.Clock) {
				dominated = true
				break
			}
		}
		if !dominated {
			winners = append(winners, v)
		}
	}
	return winners
}
