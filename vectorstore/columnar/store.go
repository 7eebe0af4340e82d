// Package columnar provides the default in-memory vector store.
//
// Vectors live contiguously in a single []float32 arena, giving O(1) access
// by ID and good cache locality for the distance kernels. Reads are lock-free
// via an atomically published snapshot of the arena; appends serialize on a
// mutex and republish.
package columnar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/quivertech/quiver/resource"
	"github.com/quivertech/quiver/vectorstore"
)

var (
	// ErrCorrupt is returned when a serialized store fails integrity checks.
	ErrCorrupt = errors.New("columnar: corrupt store data")

	// ErrMemoryBudget is returned when arena growth would exceed the
	// configured memory budget.
	ErrMemoryBudget = errors.New("columnar: memory budget exceeded")
)

var (
	storeMagic   = [4]byte{'Q', 'V', 'S', 'T'}
	storeVersion = uint32(1)
)

// Options configures a Store.
type Options struct {
	// InitialCapacity is the number of vectors to pre-allocate space for.
	InitialCapacity int

	// Controller, if set, is charged for arena growth. Growth past the
	// memory budget fails the append with ErrMemoryBudget.
	Controller *resource.Controller
}

// DefaultOptions is the default Store configuration.
var DefaultOptions = Options{
	InitialCapacity: 1024,
}

// state is an immutable snapshot of the arena. Readers load it once and see
// a consistent (data, count) pair; appends publish a new snapshot.
type state struct {
	data  []float32
	count uint64
}

// Store is a contiguous float32 vector store.
type Store struct {
	dim  int
	ctrl *resource.Controller

	mu      sync.Mutex // serializes Append and growth
	state   atomic.Pointer[state]
	charged int64
}

var _ vectorstore.Store = (*Store)(nil)

// New creates an in-memory columnar store for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("columnar: invalid dimension %d", dim)
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.InitialCapacity <= 0 {
		opts.InitialCapacity = DefaultOptions.InitialCapacity
	}

	s := &Store{
		dim:  dim,
		ctrl: opts.Controller,
	}

	capFloats := opts.InitialCapacity * dim
	if err := s.charge(int64(capFloats) * 4); err != nil {
		return nil, err
	}
	s.state.Store(&state{data: make([]float32, 0, capFloats)})

	return s, nil
}

// Dimension returns the fixed vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Count returns the number of stored vectors.
func (s *Store) Count() uint64 {
	return s.state.Load().count
}

// Append stores a vector and returns its new ID.
func (s *Store) Append(v []float32) (uint64, error) {
	if len(v) != s.dim {
		return 0, vectorstore.ErrWrongDimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	id := cur.count
	need := int(id+1) * s.dim

	data := cur.data
	if need > cap(data) {
		// Grow by doubling. Readers keep the old arena, so the copy is safe
		// without further coordination.
		newCap := cap(data) * 2
		if newCap < need {
			newCap = need
		}
		if err := s.charge(int64(newCap-cap(data)) * 4); err != nil {
			return 0, err
		}
		grown := make([]float32, len(data), newCap)
		copy(grown, data)
		data = grown
	}

	// The region past cur.count is invisible to readers of the current
	// snapshot, so writing it in place is safe even when the arena is shared.
	data = data[:need]
	copy(data[int(id)*s.dim:], v)

	s.state.Store(&state{data: data, count: id + 1})
	return id, nil
}

// Resolve returns the vector stored under id. The returned slice aliases the
// arena and must not be modified.
func (s *Store) Resolve(id uint64) ([]float32, error) {
	st := s.state.Load()
	if id >= st.count {
		return nil, &vectorstore.ErrUnknownID{ID: id}
	}
	off := int(id) * s.dim
	return st.data[off : off+s.dim : off+s.dim], nil
}

// Close releases the memory budget charge. The store is unusable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charged > 0 {
		s.ctrl.ReleaseMemory(s.charged)
		s.charged = 0
	}
	s.state.Store(&state{})
	return nil
}

func (s *Store) charge(bytes int64) error {
	if s.ctrl == nil || bytes <= 0 {
		return nil
	}
	if !s.ctrl.TryAcquireMemory(bytes) {
		return ErrMemoryBudget
	}
	s.charged += bytes
	return nil
}

// WriteTo serializes the store. The layout is a fixed header, the raw vector
// data in ID order, and a trailing CRC32 over everything before it.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	st := s.state.Load()

	crc := crc32.NewIEEE()
	cw := &countingWriter{w: io.MultiWriter(w, crc)}

	var hdr [20]byte
	copy(hdr[0:4], storeMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], storeVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(s.dim))
	binary.LittleEndian.PutUint64(hdr[12:20], st.count)
	if _, err := cw.Write(hdr[:]); err != nil {
		return cw.n, err
	}

	var buf [4096]byte
	bi := 0
	for _, f := range st.data[:int(st.count)*s.dim] {
		binary.LittleEndian.PutUint32(buf[bi:], math.Float32bits(f))
		bi += 4
		if bi == len(buf) {
			if _, err := cw.Write(buf[:]); err != nil {
				return cw.n, err
			}
			bi = 0
		}
	}
	if bi > 0 {
		if _, err := cw.Write(buf[:bi]); err != nil {
			return cw.n, err
		}
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	n, err := w.Write(trailer[:])
	return cw.n + int64(n), err
}

// Load deserializes a store previously written with WriteTo.
// Fails with ErrCorrupt on any integrity violation.
func Load(r io.Reader, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	crc := crc32.NewIEEE()
	br := bufio.NewReader(r)
	tr := io.TeeReader(br, crc)

	var hdr [20]byte
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %w", ErrCorrupt, err)
	}
	if [4]byte(hdr[0:4]) != storeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != storeVersion {
		return nil, fmt.Errorf("columnar: unsupported store version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	count := binary.LittleEndian.Uint64(hdr[12:20])
	if dim <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrCorrupt, dim)
	}
	// The header is unverified until the trailing CRC, so count must not size
	// an allocation on its own. Reject counts the arena could never hold and
	// grow as data actually arrives; a corrupted count then runs out of input
	// long before it runs out of memory.
	if count > uint64(math.MaxInt)/uint64(dim)/4 {
		return nil, fmt.Errorf("%w: implausible vector count %d", ErrCorrupt, count)
	}

	s := &Store{dim: dim, ctrl: opts.Controller}
	total := int(count) * dim

	var data []float32
	var buf [4096]byte
	for off := 0; off < total; {
		chunk := (total - off) * 4
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if _, err := io.ReadFull(tr, buf[:chunk]); err != nil {
			return nil, fmt.Errorf("%w: short vector data: %w", ErrCorrupt, err)
		}

		need := off + chunk/4
		if need > cap(data) {
			newCap := cap(data) * 2
			if newCap < need {
				newCap = need
			}
			if newCap > total {
				newCap = total
			}
			if err := s.charge(int64(newCap-cap(data)) * 4); err != nil {
				return nil, err
			}
			grown := make([]float32, len(data), newCap)
			copy(grown, data)
			data = grown
		}

		for i := 0; i < chunk; i += 4 {
			data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
			off++
		}
	}

	sum := crc.Sum32()
	var trailer [4]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: missing checksum: %w", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(trailer[:]) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	s.state.Store(&state{data: data, count: count})
	return s, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
