package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetDrop(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "indexes"))
	require.NoError(t, err)
	defer c.Close()

	entry, err := c.Create("products")
	require.NoError(t, err)
	assert.Equal(t, "products", entry.Name)
	assert.DirExists(t, entry.Path)
	assert.False(t, entry.CreatedAt.IsZero())

	got, err := c.Get("products")
	require.NoError(t, err)
	assert.Equal(t, entry.Path, got.Path)

	_, err = c.Create("products")
	assert.ErrorIs(t, err, ErrNameConflict)

	require.NoError(t, c.Drop("products"))
	assert.NoDirExists(t, entry.Path)

	_, err = c.Get("products")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Drop("products"), ErrNotFound)
}

func TestGetOrCreate(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "indexes"))
	require.NoError(t, err)
	defer c.Close()

	first, err := c.GetOrCreate("users")
	require.NoError(t, err)
	second, err := c.GetOrCreate("users")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, c.Len())
}

func TestNamesSorted(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "indexes"))
	require.NoError(t, err)
	defer c.Close()

	for _, name := range []string{"zebra", "alpha", "mango"} {
		_, err := c.Create(name)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "mango", "zebra"}, c.Names())
}

func TestReopenDiscoversExisting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "indexes")

	c, err := Open(root)
	require.NoError(t, err)
	_, err = c.Create("persisted")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Foreign directories with invalid names are ignored on scan.
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0750))

	reopened, err := Open(root)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{"persisted"}, reopened.Names())
	_, err = reopened.Get("persisted")
	assert.NoError(t, err)
}

func TestNameValidation(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "indexes"))
	require.NoError(t, err)
	defer c.Close()

	invalid := []string{
		"",
		".leading-dot",
		"has space",
		"slash/inside",
		"dots/../escape",
		string(make([]byte, 200)),
	}
	for _, name := range invalid {
		_, err := c.Create(name)
		var iv *ErrInvalidName
		assert.ErrorAs(t, err, &iv, "name %q should be rejected", name)
	}

	valid := []string{"a", "Product.Embeddings-v2", "under_score", "123"}
	for _, name := range valid {
		_, err := c.Create(name)
		assert.NoError(t, err, "name %q should be accepted", name)
	}
}

func TestClosed(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "indexes"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Create("x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Get("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Drop("x"), ErrClosed)
	require.NoError(t, c.Close())
}
