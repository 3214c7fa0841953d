// Package cache implements the cache layer of the job execution fabric:
// a pluggable Backend interface with an LRU reference implementation,
// atomic hit/miss/eviction statistics, a namespace-routed partitioned
// cache, and a single-flight computed/memoized cache-aside layer.
package cache

import "time"

// Key identifies one cache entry. Namespace selects a partition;
// Identifier is opaque within that namespace. Equal keys must hash
// identically, which a plain comparable struct guarantees for free.
type Key struct {
	Namespace  string
	Identifier string
}

// String renders the key for use as a map/shard key.
func (k Key) String() string {
	return k.Namespace + ":" + k.Identifier
}

// Value is a cached payload plus its insertion time and optional TTL.
// A zero TTL means the entry never expires on its own.
type Value struct {
	Payload    []byte
	InsertedAt time.Time
	TTL        time.Duration
}

// Expired reports whether v should no longer be returned to callers.
func (v Value) Expired(now time.Time) bool {
	if v.TTL <= 0 {
		return false
	}
	return now.Sub(v.InsertedAt) > v.TTL
}

// Backend is the pluggable cache storage surface. Implementations may
// choose any eviction policy on Insert when Len()==Capacity(), provided
// they document the choice; the reference Backend (LRU) evicts the least
// recently used entry.
type Backend interface {
	Get(key Key) (Value, bool)
	Insert(key Key, value Value)
	Remove(key Key)
	ContainsKey(key Key) bool
	Clear()
	Len() int
	Capacity() int
	// EvictExpired scans for TTL-expired entries and removes them,
	// returning the number removed.
	EvictExpired() int
	// Stats returns a point-in-time snapshot of this backend's counters.
	Stats() Stats
}

// Stats holds the atomic counters required by §4.7: hits, misses,
// insertions, evictions, removals, plus a live size and a byte-stored
// estimate. HitRate, Utilization, and EvictionRate are derived.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Insertions   uint64
	Evictions    uint64
	Removals     uint64
	Size         int
	Capacity     int
	BytesStored  int64
}

// HitRate returns hits / (hits + misses), or 0 if there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns size / capacity, or 0 if capacity is unbounded (0).
func (s Stats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Size) / float64(s.Capacity)
}

// EvictionRate returns evictions / insertions, or 0 if nothing has been
// inserted yet.
func (s Stats) EvictionRate() float64 {
	if s.Insertions == 0 {
		return 0
	}
	return float64(s.Evictions) / float64(s.Insertions)
}
