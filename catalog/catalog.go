// Package catalog manages a directory of named indexes on the local
// filesystem. Each index lives in its own subdirectory under the catalog
// root, keyed by name. The catalog only tracks names and paths; opening the
// index files themselves is up to the caller.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

var (
	// ErrNameConflict is returned when creating an index whose name is taken.
	ErrNameConflict = errors.New("catalog: index name already exists")

	// ErrNotFound is returned when a named index does not exist.
	ErrNotFound = errors.New("catalog: index not found")

	// ErrClosed is returned when operations are attempted on a closed catalog.
	ErrClosed = errors.New("catalog: closed")
)

// ErrInvalidName is returned for names that cannot be used as directories.
type ErrInvalidName struct {
	Name   string
	Reason string
}

func (e *ErrInvalidName) Error() string {
	return fmt.Sprintf("catalog: invalid index name %q: %s", e.Name, e.Reason)
}

const maxNameLen = 128

// Entry describes a named index registered in the catalog.
type Entry struct {
	Name      string
	Path      string // absolute directory holding the index files
	CreatedAt time.Time
}

// Catalog is a registry of named indexes rooted at a filesystem directory.
// It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	root    string
	entries *btree.Map[string, *Entry]
	closed  bool
}

// Open opens a catalog rooted at dir, creating the directory if necessary.
// Existing subdirectories are registered as entries.
func Open(dir string) (*Catalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("catalog: create root: %w", err)
	}

	c := &Catalog{
		root:    abs,
		entries: new(btree.Map[string, *Entry]),
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("catalog: scan root: %w", err)
	}
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if validateName(name) != nil {
			// Foreign directories are left alone but not registered.
			continue
		}
		createdAt := time.Time{}
		if info, err := de.Info(); err == nil {
			createdAt = info.ModTime()
		}
		c.entries.Set(name, &Entry{
			Name:      name,
			Path:      filepath.Join(abs, name),
			CreatedAt: createdAt,
		})
	}

	return c, nil
}

// Root returns the catalog's root directory.
func (c *Catalog) Root() string {
	return c.root
}

// Create registers a new named index and creates its directory.
func (c *Catalog) Create(name string) (*Entry, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.entries.Get(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
	}

	path := filepath.Join(c.root, name)
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("catalog: create index directory: %w", err)
	}

	entry := &Entry{
		Name:      name,
		Path:      path,
		CreatedAt: time.Now(),
	}
	c.entries.Set(name, entry)
	return entry, nil
}

// Get returns the entry for a named index.
func (c *Catalog) Get(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	entry, ok := c.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry, nil
}

// GetOrCreate returns the entry for name, creating it if absent.
func (c *Catalog) GetOrCreate(name string) (*Entry, error) {
	entry, err := c.Get(name)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entry, err = c.Create(name)
	if errors.Is(err, ErrNameConflict) {
		// Lost a race with a concurrent Create.
		return c.Get(name)
	}
	return entry, err
}

// Drop removes a named index and deletes its directory.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	entry, ok := c.entries.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := os.RemoveAll(entry.Path); err != nil {
		return fmt.Errorf("catalog: remove index directory: %w", err)
	}
	c.entries.Delete(name)
	return nil
}

// Names returns all registered index names in ascending order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, c.entries.Len())
	c.entries.Scan(func(name string, _ *Entry) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Len returns the number of registered indexes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Close marks the catalog closed. It does not touch index files.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func validateName(name string) error {
	if name == "" {
		return &ErrInvalidName{Name: name, Reason: "empty"}
	}
	if len(name) > maxNameLen {
		return &ErrInvalidName{Name: name, Reason: "too long"}
	}
	if name[0] == '.' {
		return &ErrInvalidName{Name: name, Reason: "leading dot"}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return &ErrInvalidName{Name: name, Reason: fmt.Sprintf("character %q not allowed", r)}
		}
	}
	return nil
}
