// Package compact provides a half-precision vector store.
//
// Vectors are stored as IEEE 754 float16, halving resident memory versus the
// columnar store at the cost of precision: Resolve decodes to float32 on
// every call and round-trips are lossy. Intended for devices where vector
// memory, not CPU, is the binding constraint.
package compact

import (
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/quivertech/quiver/vectorstore"
)

// Store holds vectors as float16 in a contiguous arena.
type Store struct {
	dim int

	mu    sync.RWMutex
	data  []uint16
	count uint64
}

var _ vectorstore.Store = (*Store)(nil)

// New creates a half-precision store for vectors of the given dimension.
func New(dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("compact: invalid dimension %d", dim)
	}
	return &Store{dim: dim}, nil
}

// Dimension returns the fixed vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Count returns the number of stored vectors.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Append stores a vector, rounding each component to float16.
func (s *Store) Append(v []float32) (uint64, error) {
	if len(v) != s.dim {
		return 0, vectorstore.ErrWrongDimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.count
	for _, f := range v {
		s.data = append(s.data, uint16(float16.Fromfloat32(f)))
	}
	s.count++
	return id, nil
}

// Resolve decodes the vector stored under id into a fresh float32 slice.
func (s *Store) Resolve(id uint64) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id >= s.count {
		return nil, &vectorstore.ErrUnknownID{ID: id}
	}

	out := make([]float32, s.dim)
	off := int(id) * s.dim
	for i := range out {
		out[i] = float16.Float16(s.data[off+i]).Float32()
	}
	return out, nil
}
