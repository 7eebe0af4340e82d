// Package sqlitestore provides a SQLite-backed vector store.
//
// Vectors are durable across restarts without any snapshot coordination:
// every Append is a committed row. The driver is CGo-free (modernc.org's
// SQLite translation), so the store builds for any target the Go toolchain
// does, which matters on cross-compiled edge images.
//
// Resolve is a query per call; wrap the store with vectorstore.NewCached
// when the index is search-heavy.
package sqlitestore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/quivertech/quiver/vectorstore"
)

// Store persists vectors in a single SQLite table keyed by dense ID.
type Store struct {
	dim int
	db  *sql.DB

	mu    sync.Mutex // serializes Append so IDs stay dense
	count uint64
}

var _ vectorstore.Store = (*Store)(nil)

// Open opens or creates a SQLite-backed store at path.
//
// An existing store must match the requested dimension.
func Open(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("sqlitestore: invalid dimension %d", dim)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}

	// One writer at a time keeps IDs dense; WAL mode lets readers proceed.
	db.SetMaxOpenConns(1)

	s := &Store{dim: dim, db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS vectors (
			id  INTEGER PRIMARY KEY,
			vec BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: init: %w", err)
		}
	}

	var dim int64
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'dimension'`).Scan(&dim)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('dimension', ?)`, s.dim); err != nil {
			return fmt.Errorf("sqlitestore: init: %w", err)
		}
	case err != nil:
		return fmt.Errorf("sqlitestore: init: %w", err)
	case int(dim) != s.dim:
		return fmt.Errorf("sqlitestore: store has dimension %d, want %d", dim, s.dim)
	}

	var count sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM vectors`).Scan(&count); err != nil {
		return fmt.Errorf("sqlitestore: init: %w", err)
	}
	if count.Valid {
		s.count = uint64(count.Int64) + 1
	}
	return nil
}

// Dimension returns the fixed vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Count returns the number of stored vectors.
func (s *Store) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Append stores a vector as a committed row and returns its new ID.
func (s *Store) Append(v []float32) (uint64, error) {
	if len(v) != s.dim {
		return 0, vectorstore.ErrWrongDimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.count
	if _, err := s.db.Exec(`INSERT INTO vectors (id, vec) VALUES (?, ?)`, int64(id), encode(v)); err != nil {
		return 0, fmt.Errorf("sqlitestore: append: %w", err)
	}
	s.count++
	return id, nil
}

// Resolve reads the vector stored under id.
func (s *Store) Resolve(id uint64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT vec FROM vectors WHERE id = ?`, int64(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &vectorstore.ErrUnknownID{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: resolve %d: %w", id, err)
	}
	if len(blob) != s.dim*4 {
		return nil, fmt.Errorf("sqlitestore: resolve %d: blob has %d bytes, want %d", id, len(blob), s.dim*4)
	}
	return decode(blob), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decode(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
