// Package consensus implements the Raft-style replicated log and leader
// election state machine: term/index invariants, majority commit, and the
// next-index tracking a leader uses to bring followers up to date.
package consensus

import (
	"sync"
	"time"

	"github.com/accuscene/corefabric/pkg/errors"
)

// LogEntry is one entry in the replicated log. Payload is opaque to the
// consensus layer; higher layers interpret it.
type LogEntry struct {
	Term      uint64
	Index     uint64
	Payload   []byte
	Timestamp time.Time
}

// Log is the append-only, index-keyed replicated log described in §4.5.
// Indices are dense and never reused; within one term they increase by
// exactly one per entry.
type Log struct {
	mu          sync.RWMutex
	entries     []LogEntry
	commitIndex uint64
	lastApplied uint64
	maxSize     int
}

// NewLog creates an empty log that trims its applied prefix once it grows
// past maxSize entries. maxSize <= 0 disables trimming.
func NewLog(maxSize int) *Log {
	return &Log{maxSize: maxSize}
}

// Append adds entry to the log. It enforces the invariant that indices
// strictly increase and terms never decrease across appends.
func (l *Log) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(entry)
}

func (l *Log) appendLocked(entry LogEntry) error {
	if len(l.entries) > 0 {
		last := l.entries[len(l.entries)-1]
		if entry.Index <= last.Index {
			return errors.NewError(errors.ErrCodeInvalidSequence, "log index did not increase").
				WithComponent("consensus").WithDetail("last_index", last.Index).WithDetail("entry_index", entry.Index)
		}
		if entry.Term < last.Term {
			return errors.NewError(errors.ErrCodeInvalidSequence, "log term decreased").
				WithComponent("consensus").WithDetail("last_term", last.Term).WithDetail("entry_term", entry.Term)
		}
	}
	l.entries = append(l.entries, entry)
	l.trimLocked()
	return nil
}

// AppendBatch appends a sequence of entries atomically with respect to
// other log operations.
func (l *Log) AppendBatch(entries []LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if err := l.appendLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// trimLocked discards prefix entries that have already been applied, once
// the log exceeds maxSize. Must be called with mu held.
func (l *Log) trimLocked() {
	if l.maxSize <= 0 {
		return
	}
	for len(l.entries) > l.maxSize {
		first := l.entries[0]
		if first.Index >= l.lastApplied {
			break
		}
		l.entries = l.entries[1:]
	}
}

// indexLocked returns the slice position of the entry with the given
// index, or -1 if absent. Must be called with mu held.
func (l *Log) indexLocked(index uint64) int {
	if len(l.entries) == 0 {
		return -1
	}
	base := l.entries[0].Index
	pos := int(index - base)
	if pos < 0 || pos >= len(l.entries) || l.entries[pos].Index != index {
		return -1
	}
	return pos
}

// Get returns the entry at index, if present.
func (l *Log) Get(index uint64) (LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := l.indexLocked(index)
	if pos < 0 {
		return LogEntry{}, false
	}
	return l.entries[pos], true
}

// GetFrom returns up to limit entries starting at start (inclusive).
func (l *Log) GetFrom(start uint64, limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []LogEntry
	for _, e := range l.entries {
		if e.Index < start {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TruncateFrom removes every entry with index >= index, used when a
// follower discovers a conflicting suffix in its log.
func (l *Log) TruncateFrom(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.indexLocked(index)
	if pos < 0 {
		// index may be past the end of the log entirely; nothing to do.
		if len(l.entries) > 0 && index <= l.entries[len(l.entries)-1].Index {
			// index falls in a gap (shouldn't happen given dense indices);
			// truncate anything at or above it defensively.
			kept := l.entries[:0:0]
			for _, e := range l.entries {
				if e.Index < index {
					kept = append(kept, e)
				}
			}
			l.entries = kept
		}
		return
	}
	l.entries = l.entries[:pos]
}

// LastLogInfo returns the index and term of the last entry, or (0, 0) if
// the log is empty.
func (l *Log) LastLogInfo() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, 0
	}
	last := l.entries[len(l.entries)-1]
	return last.Index, last.Term
}

// TermAt returns the term of the entry at index, if present.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := l.indexLocked(index)
	if pos < 0 {
		return 0, false
	}
	return l.entries[pos].Term, true
}

// SetCommitIndex advances the commit index monotonically; calls with an
// index at or below the current value are ignored.
func (l *Log) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// SetLastApplied records that entries up to index have been applied to the
// state machine.
func (l *Log) SetLastApplied(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.lastApplied {
		l.lastApplied = index
	}
}

// LastApplied returns the highest applied index.
func (l *Log) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

// UnappliedEntries returns every entry with lastApplied < index <= commitIndex,
// in index order, ready for application to the state machine.
func (l *Log) UnappliedEntries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []LogEntry
	for _, e := range l.entries {
		if e.Index > l.lastApplied && e.Index <= l.commitIndex {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// CompactTo discards every entry with index < upTo. Callers must only
// compact up to an index they have already durably snapshotted (see
// SnapshotCodec) and already applied; compacting past lastApplied would
// silently drop unapplied entries, so CompactTo clamps to lastApplied.
func (l *Log) CompactTo(upTo uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upTo > l.lastApplied {
		upTo = l.lastApplied
	}
	pos := l.indexLocked(upTo)
	if pos <= 0 {
		return
	}
	l.entries = l.entries[pos:]
}
