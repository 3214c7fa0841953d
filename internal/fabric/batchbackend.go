package fabric

import (
	"context"
	"sync"

	"github.com/accuscene/corefabric/internal/batch"
	"github.com/accuscene/corefabric/internal/replication"
	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/errors"
)

// storeBackend adapts a *replication.Store to batch.Backend, so bursts of
// concurrent ReadVersioned/WriteVersioned calls get coalesced into fewer
// round trips by a batch.Processor instead of hitting the store one key
// at a time. It owns the node's local vector clock tick: every write
// through it advances the clock before handing the Value to Store.Write.
type storeBackend struct {
	mu    sync.Mutex
	store *replication.Store
	node  wire.NodeID
	clock replication.Clock
}

func newStoreBackend(store *replication.Store, node wire.NodeID) *storeBackend {
	return &storeBackend{store: store, node: node, clock: replication.NewClock()}
}

func (b *storeBackend) ReadValue(_ context.Context, key string) ([]byte, error) {
	res, err := b.store.Read(key)
	if err != nil {
		return nil, err
	}
	if !res.IsResolved() {
		return nil, errors.NewError(errors.ErrCodeConflict, "versioned value has unresolved siblings").
			WithComponent("batch").WithContext("key", key)
	}
	return res.Value.Payload, nil
}

func (b *storeBackend) WriteValue(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	b.clock = b.clock.Increment(b.node)
	clock := b.clock
	b.mu.Unlock()

	b.store.Write(key, replication.NewValue(data, b.node, clock))
	return nil
}

func (b *storeBackend) DeleteValue(_ context.Context, key string) error {
	b.store.Delete(key)
	return nil
}

func (b *storeBackend) ExistsValue(_ context.Context, key string) (bool, error) {
	_, err := b.store.Read(key)
	if err == nil {
		return true, nil
	}
	if fe, ok := err.(*errors.FabricError); ok && fe.Code == errors.ErrCodeNotFound {
		return false, nil
	}
	return false, err
}

// ReadValues services a coalesced batch of reads in one call, skipping
// keys that don't resolve to a single value; batch.Processor.processReadBatch
// then fails each skipped key with a "not returned by batch read" error.
func (b *storeBackend) ReadValues(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := b.ReadValue(ctx, key)
		if err != nil {
			continue
		}
		out[key] = data
	}
	return out, nil
}

func (b *storeBackend) WriteValues(ctx context.Context, values map[string][]byte) error {
	for key, data := range values {
		if err := b.WriteValue(ctx, key, data); err != nil {
			return err
		}
	}
	return nil
}
