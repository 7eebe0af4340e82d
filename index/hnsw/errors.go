package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyIndex is returned when searching an index with no live points.
	ErrEmptyIndex = errors.New("index is empty")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrInvalidEF indicates a search width smaller than k.
type ErrInvalidEF struct {
	EF int
	K  int
}

func (e *ErrInvalidEF) Error() string {
	return fmt.Sprintf("ef %d must be >= k %d", e.EF, e.K)
}

// ErrDimensionMismatch indicates a vector that disagrees with the configured
// dimension. Mismatches are always rejected before any state changes.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrDuplicateID indicates an insert with an ID the graph already holds.
type ErrDuplicateID struct {
	ID uint64
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate id: %d", e.ID)
}

// ErrUnknownPoint indicates an operation on an ID the graph does not hold,
// or a layer the point does not participate in.
type ErrUnknownPoint struct {
	ID uint64
}

func (e *ErrUnknownPoint) Error() string {
	return fmt.Sprintf("unknown point: %d", e.ID)
}

// ErrDanglingReference indicates a graph ID that does not resolve through the
// vector store. Surfaced, never silently dropped: a dangling reference means
// graph and store have diverged.
type ErrDanglingReference struct {
	ID uint64
}

func (e *ErrDanglingReference) Error() string {
	return fmt.Sprintf("dangling reference: id %d does not resolve through the vector store", e.ID)
}

// ErrCorruptSnapshot indicates a snapshot that failed an integrity check.
// Loads are rejected wholesale; no partial graph is ever constructed.
type ErrCorruptSnapshot struct {
	Reason string
	cause  error
}

func (e *ErrCorruptSnapshot) Error() string {
	return fmt.Sprintf("corrupt snapshot: %s", e.Reason)
}

func (e *ErrCorruptSnapshot) Unwrap() error { return e.cause }

// ErrUnsupportedVersion indicates a snapshot written by an unknown format
// version. No lenient parse is attempted.
type ErrUnsupportedVersion struct {
	Version   uint32
	Supported uint32
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported snapshot version %d (supported: %d)", e.Version, e.Supported)
}
