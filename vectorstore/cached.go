package vectorstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached is a read-through cache in front of a slower Store.
//
// Resolve hits the LRU first; misses fall through to the inner store and
// populate the cache. Append writes through to the inner store and caches the
// new vector, since a fresh insert is almost always resolved again right away
// during graph linking.
//
// Cached vectors are the exact slices returned by the inner store, so the
// inner store's aliasing rules apply unchanged.
type Cached struct {
	inner Store
	cache *lru.Cache[uint64, []float32]
}

// NewCached wraps inner with an LRU cache holding up to capacity vectors.
func NewCached(inner Store, capacity int) (*Cached, error) {
	cache, err := lru.New[uint64, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Dimension returns the inner store dimension.
func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Append writes through to the inner store and caches the new vector.
func (c *Cached) Append(v []float32) (uint64, error) {
	id, err := c.inner.Append(v)
	if err != nil {
		return 0, err
	}
	if vec, err := c.inner.Resolve(id); err == nil {
		c.cache.Add(id, vec)
	}
	return id, nil
}

// Resolve returns the vector for id, consulting the cache first.
func (c *Cached) Resolve(id uint64) ([]float32, error) {
	if vec, ok := c.cache.Get(id); ok {
		return vec, nil
	}
	vec, err := c.inner.Resolve(id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, vec)
	return vec, nil
}

// Count returns the inner store count.
func (c *Cached) Count() uint64 { return c.inner.Count() }
