package quiver

import (
	"errors"
	"fmt"

	"github.com/quivertech/quiver/index/hnsw"
	"github.com/quivertech/quiver/vectorstore"
)

var (
	// ErrNotFound is returned when an item is not found.
	ErrNotFound = errors.New("not found")

	// ErrEmptyIndex is returned when searching an index with no live points.
	ErrEmptyIndex = errors.New("index is empty")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned when operations are attempted on a closed instance.
	ErrClosed = errors.New("quiver: closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidEF indicates a per-query ef below k.
type ErrInvalidEF struct {
	EF    int
	K     int
	cause error
}

func (e *ErrInvalidEF) Error() string {
	return fmt.Sprintf("explore factor (ef) %d must be at least k %d", e.EF, e.K)
}

func (e *ErrInvalidEF) Unwrap() error { return e.cause }

// ErrDuplicateID indicates an insert with an ID the index already holds.
type ErrDuplicateID struct {
	ID    uint64
	cause error
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate id %d", e.ID)
}

func (e *ErrDuplicateID) Unwrap() error { return e.cause }

// ErrDanglingReference indicates the graph references an ID the vector store
// cannot resolve.
type ErrDanglingReference struct {
	ID    uint64
	cause error
}

func (e *ErrDanglingReference) Error() string {
	return fmt.Sprintf("dangling reference: id %d not resolvable", e.ID)
}

func (e *ErrDanglingReference) Unwrap() error { return e.cause }

// ErrCorruptSnapshot indicates a snapshot failed integrity or structural
// validation. Nothing of the snapshot is applied.
type ErrCorruptSnapshot struct {
	Reason string
	cause  error
}

func (e *ErrCorruptSnapshot) Error() string {
	return fmt.Sprintf("corrupt snapshot: %s", e.Reason)
}

func (e *ErrCorruptSnapshot) Unwrap() error { return e.cause }

// ErrUnsupportedVersion indicates a snapshot with an unknown format version.
type ErrUnsupportedVersion struct {
	Version   uint32
	Supported uint32
	cause     error
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported snapshot version %d (supported: %d)", e.Version, e.Supported)
}

func (e *ErrUnsupportedVersion) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	var up *hnsw.ErrUnknownPoint
	if errors.As(err, &up) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var uid *vectorstore.ErrUnknownID
	if errors.As(err, &uid) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Parameterized conditions keep their fields.
	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	var ief *hnsw.ErrInvalidEF
	if errors.As(err, &ief) {
		return &ErrInvalidEF{EF: ief.EF, K: ief.K, cause: err}
	}
	var dup *hnsw.ErrDuplicateID
	if errors.As(err, &dup) {
		return &ErrDuplicateID{ID: dup.ID, cause: err}
	}
	var dr *hnsw.ErrDanglingReference
	if errors.As(err, &dr) {
		return &ErrDanglingReference{ID: dr.ID, cause: err}
	}
	var cs *hnsw.ErrCorruptSnapshot
	if errors.As(err, &cs) {
		return &ErrCorruptSnapshot{Reason: cs.Reason, cause: err}
	}
	var uv *hnsw.ErrUnsupportedVersion
	if errors.As(err, &uv) {
		return &ErrUnsupportedVersion{Version: uv.Version, Supported: uv.Supported, cause: err}
	}

	// Sentinels.
	if errors.Is(err, hnsw.ErrEmptyIndex) {
		return fmt.Errorf("%w: %w", ErrEmptyIndex, err)
	}
	if errors.Is(err, hnsw.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}
	if errors.Is(err, vectorstore.ErrWrongDimension) {
		return fmt.Errorf("dimension mismatch: %w", err)
	}

	return err
}

func isEmptyOrNotFound(err error) bool {
	return errors.Is(err, ErrEmptyIndex) || errors.Is(err, ErrNotFound)
}
