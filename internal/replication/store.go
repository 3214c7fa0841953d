package replication

import (
	"sync"

	"github.com/accuscene/corefabric/pkg/errors"
)

// Store holds the current Resolution for every key written through it,
// applying the configured Resolver on every write and re-verifying
// checksums on every read per §4.4's integrity rule.
type Store struct {
	mu       sync.RWMutex
	resolver Resolver
	entries  map[string]Resolution
}

// NewStore builds an empty versioned store that reconciles concurrent
// writes using resolver.
func NewStore(resolver Resolver) *Store {
	return &Store{resolver: resolver, entries: make(map[string]Resolution)}
}

// Write reconciles incoming against whatever is currently stored for key
// (a prior single value, a prior set of siblings, or nothing) and stores
// the result.
func (s *Store) Write(key string, incoming Value) Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok {
		res := Resolution{Value: incoming}
		s.entries[key] = res
		return res
	}

	var res Resolution
	if existing.IsResolved() {
		res = s.resolver.Reconcile(&existing.Value, incoming)
	} else {
		all := append(append([]Value{}, existing.Siblings...), incoming)
		res = s.resolver.resolveConcurrent(all)
	}
	s.entries[key] = res
	return res
}

// Read returns the current Resolution for key, verifying every value's
// checksum. A checksum mismatch surfaces as Corrupted, never silently.
func (s *Store) Read(key string) (Resolution, error) {
	s.mu.RLock()
	res, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return Resolution{}, errors.NewError(errors.ErrCodeNotFound, "no versioned value for key").
			WithComponent("replication").WithContext("key", key)
	}

	values := res.Siblings
	if res.IsResolved() {
		values = []Value{res.Value}
	}
	for _, v := range values {
		if !v.Verify() {
			return Resolution{}, errors.NewError(errors.ErrCodeCorrupted, "versioned value failed checksum verification").
				WithComponent("replication").WithContext("key", key)
		}
	}
	return res, nil
}

// Delete removes key entirely, e.g. after conflict resolution discards
// every dominated sibling.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
