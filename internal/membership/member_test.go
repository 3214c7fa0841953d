package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/accuscene/corefabric/internal/wire"
)

func TestTableUpsertNewMember(t *testing.T) {
	tbl := NewTable()
	id := wire.NewNodeID()

	changed := tbl.Upsert(id, "127.0.0.1:7000", StateAlive, 0)
	assert.True(t, changed)

	m, ok := tbl.Get(id)
	assert.True(t, ok)
	assert.Equal(t, StateAlive, m.State)
}

func TestTableUpsertHigherIncarnationWins(t *testing.T) {
	tbl := NewTable()
	id := wire.NewNodeID()
	tbl.Upsert(id, "addr", StateAlive, 1)

	changed := tbl.Upsert(id, "addr", StateSuspect, 2)
	assert.True(t, changed)

	m, _ := tbl.Get(id)
	assert.Equal(t, StateSuspect, m.State)
	assert.Equal(t, uint32(2), m.Incarnation)
}

func TestTableUpsertLowerIncarnationIgnored(t *testing.T) {
	tbl := NewTable()
	id := wire.NewNodeID()
	tbl.Upsert(id, "addr", StateDead, 5)

	changed := tbl.Upsert(id, "addr", StateAlive, 2)
	assert.False(t, changed)

	m, _ := tbl.Get(id)
	assert.Equal(t, StateDead, m.State)
}

func TestTableUpsertStatePrecedenceAtEqualIncarnation(t *testing.T) {
	tbl := NewTable()
	id := wire.NewNodeID()
	tbl.Upsert(id, "addr", StateSuspect, 3)

	// Dead beats Suspect at the same incarnation.
	changed := tbl.Upsert(id, "addr", StateDead, 3)
	assert.True(t, changed)
	m, _ := tbl.Get(id)
	assert.Equal(t, StateDead, m.State)

	// Alive does not beat Dead at the same incarnation.
	changed = tbl.Upsert(id, "addr", StateAlive, 3)
	assert.False(t, changed)
	m, _ = tbl.Get(id)
	assert.Equal(t, StateDead, m.State)
}

func TestTableAliveExcludesSelfAndDead(t *testing.T) {
	tbl := NewTable()
	self := wire.NewNodeID()
	alive := wire.NewNodeID()
	dead := wire.NewNodeID()

	tbl.Upsert(self, "self", StateAlive, 0)
	tbl.Upsert(alive, "alive", StateAlive, 0)
	tbl.Upsert(dead, "dead", StateDead, 0)

	peers := tbl.Alive(self)
	assert.Len(t, peers, 1)
	assert.Equal(t, alive, peers[0].ID)
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable()
	id := wire.NewNodeID()
	tbl.Upsert(id, "addr", StateAlive, 0)
	tbl.Remove(id)
	_, ok := tbl.Get(id)
	assert.False(t, ok)
}

func TestStatePrecedenceOrdering(t *testing.T) {
	assert.True(t, StateLeft.precedence() > StateDead.precedence())
	assert.True(t, StateDead.precedence() > StateAlive.precedence())
	assert.True(t, StateAlive.precedence() > StateSuspect.precedence())
}
