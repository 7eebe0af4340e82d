package vectorstore

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a map-backed Store and counts Resolve calls so cache
// hits are observable.
type countingStore struct {
	dim      int
	vectors  [][]float32
	resolves atomic.Int64
}

func (s *countingStore) Dimension() int { return s.dim }
func (s *countingStore) Count() uint64  { return uint64(len(s.vectors)) }

func (s *countingStore) Append(v []float32) (uint64, error) {
	if len(v) != s.dim {
		return 0, ErrWrongDimension
	}
	s.vectors = append(s.vectors, v)
	return uint64(len(s.vectors) - 1), nil
}

func (s *countingStore) Resolve(id uint64) ([]float32, error) {
	s.resolves.Add(1)
	if id >= uint64(len(s.vectors)) {
		return nil, &ErrUnknownID{ID: id}
	}
	return s.vectors[id], nil
}

func TestCachedReadThrough(t *testing.T) {
	inner := &countingStore{dim: 2}
	c, err := NewCached(inner, 16)
	require.NoError(t, err)

	id, err := c.Append([]float32{1, 2})
	require.NoError(t, err)

	// Append populated the cache, so the first Resolve is already a hit.
	v, err := c.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
	assert.Equal(t, int64(0), inner.resolves.Load())

	assert.Equal(t, uint64(1), c.Count())
	assert.Equal(t, 2, c.Dimension())
}

func TestCachedMissFallsThrough(t *testing.T) {
	inner := &countingStore{dim: 2}
	for i := 0; i < 10; i++ {
		_, err := inner.Append([]float32{float32(i), float32(i)})
		require.NoError(t, err)
	}

	c, err := NewCached(inner, 4)
	require.NoError(t, err)

	v, err := c.Resolve(7)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 7}, v)
	assert.Equal(t, int64(1), inner.resolves.Load())

	// Second lookup is served from cache.
	_, err = c.Resolve(7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.resolves.Load())
}

func TestCachedEviction(t *testing.T) {
	inner := &countingStore{dim: 1}
	for i := 0; i < 8; i++ {
		_, err := inner.Append([]float32{float32(i)})
		require.NoError(t, err)
	}

	c, err := NewCached(inner, 2)
	require.NoError(t, err)

	for i := uint64(0); i < 8; i++ {
		_, err := c.Resolve(i)
		require.NoError(t, err)
	}
	require.Equal(t, int64(8), inner.resolves.Load())

	// Only the two most recent entries are cached.
	_, err = c.Resolve(7)
	require.NoError(t, err)
	assert.Equal(t, int64(8), inner.resolves.Load())

	_, err = c.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), inner.resolves.Load())
}

func TestCachedUnknownID(t *testing.T) {
	c, err := NewCached(&countingStore{dim: 1}, 4)
	require.NoError(t, err)

	_, err = c.Resolve(3)
	var unknown *ErrUnknownID
	assert.ErrorAs(t, err, &unknown)
}

func TestCachedInvalidCapacity(t *testing.T) {
	_, err := NewCached(&countingStore{dim: 1}, 0)
	assert.Error(t, err)
}
