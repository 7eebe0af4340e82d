package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/vectorstore"
)

func openTestStore(t *testing.T, dim int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, dim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestAppendResolve(t *testing.T) {
	s, _ := openTestStore(t, 3)

	id0, err := s.Append([]float32{1, 2, 3})
	require.NoError(t, err)
	id1, err := s.Append([]float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id0)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), s.Count())

	v, err := s.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := Open(path, 2)
	require.NoError(t, err)
	_, err = s.Append([]float32{1, 2})
	require.NoError(t, err)
	_, err = s.Append([]float32{3, 4})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, 2)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.Count())
	v, err := reopened.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, v)

	// IDs continue from the persisted sequence.
	id, err := reopened.Append([]float32{5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
}

func TestDimensionMismatchOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, 8)
	assert.Error(t, err)
}

func TestWrongDimension(t *testing.T) {
	s, _ := openTestStore(t, 3)
	_, err := s.Append([]float32{1, 2})
	assert.ErrorIs(t, err, vectorstore.ErrWrongDimension)
	assert.Equal(t, uint64(0), s.Count())
}

func TestUnknownID(t *testing.T) {
	s, _ := openTestStore(t, 2)
	_, err := s.Resolve(7)
	var unknown *vectorstore.ErrUnknownID
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint64(7), unknown.ID)
}
