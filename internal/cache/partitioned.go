package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Type names a cache partition (a "workload class" per spec §4.7,
// e.g. "session", "compute", "default").
type Type string

// PartitionRouter maps a cache key's namespace to the Type that should
// hold it. The map is configuration, not a hard-coded match statement
// (Open Question decision — see SPEC_FULL.md §10.3): case-sensitive,
// with a configured default for unrecognized namespaces.
type PartitionRouter struct {
	routes map[string]Type
	byDef  Type
}

// NewPartitionRouter builds a router from an explicit namespace→Type map
// and a default partition for namespaces absent from it.
func NewPartitionRouter(routes map[string]Type, defaultPartition Type) *PartitionRouter {
	r := &PartitionRouter{routes: make(map[string]Type, len(routes)), byDef: defaultPartition}
	for ns, t := range routes {
		r.routes[ns] = t
	}
	return r
}

// Route returns the partition for namespace, falling back to the
// configured default when namespace is unrecognized.
func (r *PartitionRouter) Route(namespace string) Type {
	if t, ok := r.routes[namespace]; ok {
		return t
	}
	return r.byDef
}

// ShardFor hashes a key to one of n shards using xxhash, for backends
// that want secondary intra-partition sharding on top of namespace
// routing (e.g. a partition implementation backed by multiple locked
// segments rather than one).
func ShardFor(key Key, n int) int {
	if n <= 1 {
		return 0
	}
	h := xxhash.Sum64String(key.String())
	return int(h % uint64(n))
}

// PartitionedCache routes each key to a per-Type Backend via a
// PartitionRouter. InsertTyped/GetTyped bypass inference entirely.
type PartitionedCache struct {
	mu         sync.RWMutex
	router     *PartitionRouter
	partitions map[Type]Backend
	newBackend func(Type) Backend
}

// NewPartitionedCache builds a partitioned cache. newBackend lazily
// constructs a Backend the first time a given Type is addressed; pass a
// factory closing over per-partition capacity/TTL configuration.
func NewPartitionedCache(router *PartitionRouter, newBackend func(Type) Backend) *PartitionedCache {
	return &PartitionedCache{
		router:     router,
		partitions: make(map[Type]Backend),
		newBackend: newBackend,
	}
}

func (c *PartitionedCache) backendLocked(t Type) Backend {
	if b, ok := c.partitions[t]; ok {
		return b
	}
	b := c.newBackend(t)
	c.partitions[t] = b
	return b
}

func (c *PartitionedCache) backend(t Type) Backend {
	c.mu.RLock()
	b, ok := c.partitions[t]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backendLocked(t)
}

// Get routes key by its namespace and looks it up in that partition.
func (c *PartitionedCache) Get(key Key) (Value, bool) {
	t := c.router.Route(key.Namespace)
	return c.backend(t).Get(key)
}

// Insert routes key by its namespace and inserts into that partition.
func (c *PartitionedCache) Insert(key Key, value Value) {
	t := c.router.Route(key.Namespace)
	c.backend(t).Insert(key, value)
}

// GetTyped bypasses namespace inference and reads directly from
// partition t.
func (c *PartitionedCache) GetTyped(t Type, key Key) (Value, bool) {
	return c.backend(t).Get(key)
}

// InsertTyped bypasses namespace inference and writes directly into
// partition t.
func (c *PartitionedCache) InsertTyped(t Type, key Key, value Value) {
	c.backend(t).Insert(key, value)
}

// Remove deletes key from whichever partition its namespace routes to.
func (c *PartitionedCache) Remove(key Key) {
	t := c.router.Route(key.Namespace)
	c.backend(t).Remove(key)
}

// Partition returns the live Backend for t, constructing it if this is
// the first reference (useful for direct Stats()/EvictExpired() calls).
func (c *PartitionedCache) Partition(t Type) Backend {
	return c.backend(t)
}

// EvictExpired sweeps every constructed partition and returns the total
// number of entries removed.
func (c *PartitionedCache) EvictExpired() int {
	c.mu.RLock()
	backends := make([]Backend, 0, len(c.partitions))
	for _, b := range c.partitions {
		backends = append(backends, b)
	}
	c.mu.RUnlock()

	total := 0
	for _, b := range backends {
		total += b.EvictExpired()
	}
	return total
}

// Stats aggregates counters across every constructed partition, keyed
// by Type, plus a combined total.
func (c *PartitionedCache) Stats() (byPartition map[Type]Stats, combined Stats) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byPartition = make(map[Type]Stats, len(c.partitions))
	for t, b := range c.partitions {
		s := b.Stats()
		byPartition[t] = s
		combined.Hits += s.Hits
		combined.Misses += s.Misses
		combined.Insertions += s.Insertions
		combined.Evictions += s.Evictions
		combined.Removals += s.Removals
		combined.Size += s.Size
		combined.Capacity += s.Capacity
		combined.BytesStored += s.BytesStored
	}
	return byPartition, combined
}
