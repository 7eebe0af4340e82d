// Package vectorstore defines the vector storage adapter consumed by the
// graph index.
//
// The index never owns vector payloads: it keeps integer IDs and resolves
// them through a Store when it needs to compute a distance. Implementations
// own vector durability; graph snapshots carry topology only.
package vectorstore

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongDimension is returned when a vector does not match the store dimension.
	ErrWrongDimension = errors.New("wrong vector dimension")
)

// ErrUnknownID indicates a lookup for an ID the store never issued.
type ErrUnknownID struct {
	ID uint64
}

func (e *ErrUnknownID) Error() string {
	return fmt.Sprintf("unknown vector id: %d", e.ID)
}

// Store is the canonical storage for vectors.
//
// Append assigns IDs densely from 0 in insertion order. Implementations must
// treat the configured dimension as authoritative. Callers should assume
// slices returned by Resolve may alias internal memory unless the
// implementation documents otherwise.
type Store interface {
	// Dimension returns the fixed vector dimension.
	Dimension() int

	// Append stores a vector and returns its newly assigned ID.
	// Fails with ErrWrongDimension if v does not match the store dimension.
	Append(v []float32) (uint64, error)

	// Resolve returns the vector stored under id.
	// Fails with ErrUnknownID if the ID was never issued.
	Resolve(id uint64) ([]float32, error)

	// Count returns the number of stored vectors.
	Count() uint64
}
