package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accuscene/corefabric/internal/replication"
	"github.com/accuscene/corefabric/internal/wire"
)

func newTestStoreBackend() *storeBackend {
	store := replication.NewStore(replication.NewResolver(replication.StrategyLastWriterWins, nil))
	return newStoreBackend(store, wire.NodeID{0x2})
}

func TestStoreBackendWriteThenReadValue(t *testing.T) {
	b := newTestStoreBackend()
	ctx := context.Background()

	require.NoError(t, b.WriteValue(ctx, "k", []byte("v1")))
	data, err := b.ReadValue(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestStoreBackendReadValueMissingKeyErrors(t *testing.T) {
	b := newTestStoreBackend()
	_, err := b.ReadValue(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStoreBackendExistsValue(t *testing.T) {
	b := newTestStoreBackend()
	ctx := context.Background()

	exists, err := b.ExistsValue(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.WriteValue(ctx, "k", []byte("v")))
	exists, err = b.ExistsValue(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStoreBackendDeleteValue(t *testing.T) {
	b := newTestStoreBackend()
	ctx := context.Background()

	require.NoError(t, b.WriteValue(ctx, "k", []byte("v")))
	require.NoError(t, b.DeleteValue(ctx, "k"))

	_, err := b.ReadValue(ctx, "k")
	assert.Error(t, err)
}

func TestStoreBackendReadValuesSkipsMissingKeys(t *testing.T) {
	b := newTestStoreBackend()
	ctx := context.Background()
	require.NoError(t, b.WriteValue(ctx, "present", []byte("v")))

	out, err := b.ReadValues(ctx, []string{"present", "absent"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"present": []byte("v")}, out)
}

func TestStoreBackendWriteValuesWritesEach(t *testing.T) {
	b := newTestStoreBackend()
	ctx := context.Background()

	err := b.WriteValues(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.NoError(t, err)

	a, err := b.ReadValue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), a)
}
