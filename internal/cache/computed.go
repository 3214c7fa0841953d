package cache

import (
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/accuscene/corefabric/pkg/errors"
)

// ComputeFunc produces the payload for a cache miss. It receives no
// context beyond the key; callers close over whatever state the
// computation needs.
type ComputeFunc func(key Key) ([]byte, error)

// ComputedCache implements cache-aside with a mandatory single-flight
// guarantee: duplicate concurrent callers for the same key collapse
// into one ComputeFunc invocation and all receive the identical result.
// The original Rust computed.rs has no such guard; spec §4.7 makes it
// mandatory, so this is stricter than the source it's grounded on.
type ComputedCache struct {
	backend Backend
	group   singleflight.Group
}

// NewComputedCache wraps backend with a cache-aside, single-flight
// compute path.
func NewComputedCache(backend Backend) *ComputedCache {
	return &ComputedCache{backend: backend}
}

// GetOrCompute returns the cached payload for key if present and
// unexpired; otherwise it invokes compute exactly once even under
// concurrent callers, inserts the result with ttl (0 = no expiry), and
// returns it to every waiter.
func (c *ComputedCache) GetOrCompute(key Key, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if v, ok := c.backend.Get(key); ok {
		return v.Payload, nil
	}

	result, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// Re-check: another flight may have populated the backend
		// between our miss above and acquiring the single-flight slot.
		if v, ok := c.backend.Get(key); ok {
			return v.Payload, nil
		}

		payload, err := compute(key)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeComputeFailed, "compute function failed").
				WithComponent("cache").
				WithCause(err)
		}

		c.backend.Insert(key, Value{
			Payload:    payload,
			InsertedAt: time.Now(),
			TTL:        ttl,
		})
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate removes key, forcing the next GetOrCompute to recompute.
func (c *ComputedCache) Invalidate(key Key) {
	c.backend.Remove(key)
}

// Stats exposes the wrapped backend's statistics.
func (c *ComputedCache) Stats() Stats {
	return c.backend.Stats()
}
