package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartitioned() *PartitionedCache {
	router := NewPartitionRouter(map[string]Type{
		"session": "session",
		"compute": "compute",
	}, "default")
	return NewPartitionedCache(router, func(Type) Backend { return NewLRUCache(16) })
}

func TestPartitionedCacheRoutesByNamespace(t *testing.T) {
	pc := newTestPartitioned()

	pc.Insert(Key{Namespace: "session", Identifier: "u1"}, Value{Payload: []byte("s")})
	pc.Insert(Key{Namespace: "unknown-namespace", Identifier: "x"}, Value{Payload: []byte("d")})

	v, ok := pc.GetTyped("session", Key{Namespace: "session", Identifier: "u1"})
	require.True(t, ok)
	assert.Equal(t, []byte("s"), v.Payload)

	_, ok = pc.GetTyped("default", Key{Namespace: "unknown-namespace", Identifier: "x"})
	assert.True(t, ok, "unrecognized namespace must route to the configured default partition")
}

func TestPartitionedCacheInsertTypedBypassesInference(t *testing.T) {
	pc := newTestPartitioned()
	key := Key{Namespace: "session", Identifier: "u1"}

	pc.InsertTyped("compute", key, Value{Payload: []byte("forced")})

	_, ok := pc.GetTyped("session", key)
	assert.False(t, ok, "InsertTyped must bypass the namespace router")

	v, ok := pc.GetTyped("compute", key)
	require.True(t, ok)
	assert.Equal(t, []byte("forced"), v.Payload)
}

func TestPartitionedCacheStatsAggregation(t *testing.T) {
	pc := newTestPartitioned()
	pc.Insert(Key{Namespace: "session", Identifier: "a"}, Value{Payload: []byte("1")})
	pc.Insert(Key{Namespace: "compute", Identifier: "b"}, Value{Payload: []byte("2")})

	byPartition, combined := pc.Stats()
	assert.Len(t, byPartition, 2)
	assert.Equal(t, uint64(2), combined.Insertions)
}

func TestShardForIsStableAndBounded(t *testing.T) {
	key := Key{Namespace: "session", Identifier: "u1"}
	first := ShardFor(key, 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ShardFor(key, 8))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
	assert.Equal(t, 0, ShardFor(key, 1))
}
