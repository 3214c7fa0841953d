// Package membership implements SWIM-style gossip failure detection: each
// node maintains a table of known peers, probes a random subset every
// gossip interval, and disseminates state changes to a fanout of alive
// peers until a per-rumor transmission budget is exhausted.
package membership

import (
	"sync"
	"time"

	"github.com/accuscene/corefabric/internal/wire"
)

// State is a node's liveness state as observed by the local gossip table.
type State int

const (
	StateAlive State = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// precedence orders states for conflict resolution at equal incarnation:
// Dead > Alive > Suspect per the membership ordering rule. Left is terminal
// and always wins over any other state.
func (s State) precedence() int {
	switch s {
	case StateLeft:
		return 3
	case StateDead:
		return 2
	case StateAlive:
		return 1
	case StateSuspect:
		return 0
	default:
		return -1
	}
}

// Member is one row of the membership table.
type Member struct {
	ID          wire.NodeID
	Addr        string
	State       State
	Incarnation uint32
	LastSeen    time.Time
}

// supersedes reports whether an incoming (state, incarnation) pair should
// replace this member's current record, per the ordering rule in §4.1:
// higher incarnation always wins; at equal incarnation, state precedence
// breaks the tie.
func (m Member) supersedes(incoming State, incarnation uint32) bool {
	if incarnation != m.Incarnation {
		return incarnation > m.Incarnation
	}
	return incoming.precedence() > m.State.precedence()
}

// Table is the thread-safe membership table shared by the gossip engine and
// any component that needs a current view of cluster membership (e.g. the
// consensus layer's peer list).
type Table struct {
	mu      sync.RWMutex
	members map[wire.NodeID]*Member
}

// NewTable creates an empty membership table.
func NewTable() *Table {
	return &Table{members: make(map[wire.NodeID]*Member)}
}

// Upsert applies an incoming state/incarnation observation for id, returning
// true if the table's record for id changed as a result.
func (t *Table) Upsert(id wire.NodeID, addr string, state State, incarnation uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.members[id]
	if !ok {
		t.members[id] = &Member{ID: id, Addr: addr, State: state, Incarnation: incarnation, LastSeen: time.Now()}
		return true
	}

	if !existing.supersedes(state, incarnation) {
		if state == StateAlive {
			existing.LastSeen = time.Now()
		}
		return false
	}

	existing.State = state
	existing.Incarnation = incarnation
	existing.LastSeen = time.Now()
	if addr != "" {
		existing.Addr = addr
	}
	return true
}

// Get returns a snapshot copy of the member record for id.
func (t *Table) Get(id wire.NodeID) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns a snapshot of every known member.
func (t *Table) Members() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	return out
}

// Alive returns every member currently believed alive, excluding self.
func (t *Table) Alive(self wire.NodeID) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for id, m := range t.members {
		if id != self && m.State == StateAlive {
			out = append(out, *m)
		}
	}
	return out
}

// Remove deletes a member entirely. Used only in response to an explicit
// Leave; dead nodes otherwise remain in the table as tombstones so a
// reintroduced node (bumped incarnation) is recognized.
func (t *Table) Remove(id wire.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, id)
}
