package quiver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/distance"
	"github.com/quivertech/quiver/testutil"
	"github.com/quivertech/quiver/vectorstore/sqlitestore"
	"github.com/quivertech/quiver/wal"
)

func TestInsertSearchGet(t *testing.T) {
	ctx := context.Background()
	db, err := New(4)
	require.NoError(t, err)
	defer db.Close()

	id, err := db.Insert(ctx, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	got, err := db.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)

	// Get returns a copy, not a view into the store.
	got[0] = 99
	again, err := db.Get(id)
	require.NoError(t, err)
	assert.Equal(t, float32(1), again[0])

	results, err := db.Search([]float32{1, 2, 3, 4}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, float32(0), results[0].Distance)
}

func TestGetUnknown(t *testing.T) {
	db, err := New(4)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDimensionValidation(t *testing.T) {
	ctx := context.Background()
	db, err := New(4)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Insert(ctx, []float32{1, 2})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
}

func TestDeleteThenSearch(t *testing.T) {
	ctx := context.Background()
	db, err := New(8)
	require.NoError(t, err)
	defer db.Close()

	vectors := testutil.NewRNG(1).UniformVectors(50, 8)
	for _, v := range vectors {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}

	require.NoError(t, db.Delete(ctx, 10))
	_, err = db.Get(10)
	assert.ErrorIs(t, err, ErrNotFound)

	results, err := db.Search(vectors[10]).KNN(50).Execute(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, uint64(10), r.ID)
	}

	assert.ErrorIs(t, db.Delete(ctx, 999), ErrNotFound)
}

func TestBatchInsert(t *testing.T) {
	ctx := context.Background()
	db, err := New(4)
	require.NoError(t, err)
	defer db.Close()

	vectors := [][]float32{
		{1, 2, 3, 4},
		{5, 6}, // wrong dimension
		{9, 10, 11, 12},
	}
	result, err := db.BatchInsert(ctx, vectors)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed())

	assert.NoError(t, result.Errors[0])
	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, result.Errors[1], &dm)
	assert.NoError(t, result.Errors[2])

	v, err := db.Get(result.IDs[2])
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 10, 11, 12}, v)
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	db, err := New(8)
	require.NoError(t, err)
	defer db.Close()

	vectors := testutil.NewRNG(2).UniformVectors(100, 8)
	for _, v := range vectors {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}
	for id := uint64(0); id < 40; id++ {
		require.NoError(t, db.Delete(ctx, id))
	}

	require.NoError(t, db.Vacuum(ctx))
	stats := db.Stats()
	assert.Equal(t, 60, stats.Points)
	assert.Equal(t, 0, stats.Tombstones)
}

func TestClosedOperations(t *testing.T) {
	ctx := context.Background()
	db, err := New(4)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Insert(ctx, []float32{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Delete(ctx, 0), ErrClosed)
	assert.ErrorIs(t, db.Vacuum(ctx), ErrClosed)
	assert.ErrorIs(t, db.Checkpoint(ctx), ErrClosed)
}

func TestSaveToWriterRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := New(8)
	require.NoError(t, err)
	vectors := testutil.NewRNG(3).UniformVectors(200, 8)
	for _, v := range vectors {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, db.Delete(ctx, 5))

	var buf bytes.Buffer
	require.NoError(t, db.SaveToWriter(ctx, &buf))

	want, err := db.Search(vectors[7]).KNN(10).Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Restore through Open by placing the snapshot where it looks.
	path := filepath.Join(dir, SnapshotFileName)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	restored, err := Open(ctx, dir)
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 8, restored.Dimension())
	assert.Equal(t, 199, restored.Stats().Live)
	_, err = restored.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := restored.Search(vectors[7]).KNN(10).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOpenCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := New(4)
	require.NoError(t, err)
	for _, v := range testutil.NewRNG(9).UniformVectors(20, 4) {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, db.SaveToWriter(ctx, &buf))
	require.NoError(t, db.Close())

	// Flip a byte inside the store dump section, past the container header.
	data := buf.Bytes()
	data[40] ^= 0xFF
	path := filepath.Join(dir, SnapshotFileName)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(ctx, dir)
	var corrupt *ErrCorruptSnapshot
	require.ErrorAs(t, err, &corrupt)
}

func TestOpenRequiresDimension(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, t.TempDir())
	assert.Error(t, err)
}

func TestWALRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := []Option{
		WithDimension(4),
		WithWAL("", func(o *wal.Options) { o.DurabilityMode = wal.DurabilityAsync }),
	}

	db, err := Open(ctx, dir, opts...)
	require.NoError(t, err)

	id0, err := db.Insert(ctx, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	id1, err := db.Insert(ctx, []float32{0, 1, 0, 0})
	require.NoError(t, err)
	_, err = db.Insert(ctx, []float32{0, 0, 1, 0})
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, id1))
	require.NoError(t, db.Close())

	// No snapshot was ever written; everything comes back from the log.
	reopened, err := Open(ctx, dir, opts...)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 3, reopened.Stats().Points)
	assert.Equal(t, 2, reopened.Stats().Live)

	v, err := reopened.Get(id0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, v)
	_, err = reopened.Get(id1)
	assert.ErrorIs(t, err, ErrNotFound)

	// IDs continue past the recovered ones.
	id3, err := reopened.Insert(ctx, []float32{0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id3)
}

func TestCheckpointCycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := []Option{
		WithDimension(8),
		WithWAL("", func(o *wal.Options) { o.DurabilityMode = wal.DurabilityAsync }),
	}

	db, err := Open(ctx, dir, opts...)
	require.NoError(t, err)

	vectors := testutil.NewRNG(4).UniformVectors(60, 8)
	for _, v := range vectors[:40] {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, db.Checkpoint(ctx))

	// Post-checkpoint writes live only in the log.
	for _, v := range vectors[40:] {
		_, err := db.Insert(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, dir, opts...)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 60, reopened.Stats().Points)
	for i, v := range vectors {
		got, err := reopened.Get(uint64(i))
		require.NoError(t, err, "vector %d", i)
		assert.Equal(t, v, got)
	}
}

func TestCosineEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, err := New(3, WithMetric(distance.MetricCosine))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Insert(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	idY, err := db.Insert(ctx, []float32{0, 5, 0})
	require.NoError(t, err)

	result, err := db.Search([]float32{0, 1, 0}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, idY, result.ID)
	assert.InDelta(t, 0, result.Distance, 1e-6)
}

func TestSQLiteBackedIndex(t *testing.T) {
	ctx := context.Background()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "vec.db"), 4)
	require.NoError(t, err)

	db, err := New(4, WithStore(store))
	require.NoError(t, err)
	defer db.Close()

	id, err := db.Insert(ctx, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	result, err := db.Search([]float32{1, 2, 3, 4}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, result.ID)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	collector := &BasicMetricsCollector{}
	db, err := New(4, WithMetricsCollector(collector))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Insert(ctx, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = db.Insert(ctx, []float32{1, 2}) // fails
	require.Error(t, err)

	_, err = db.Search([]float32{1, 2, 3, 4}).KNN(1).Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, 0))

	stats := collector.GetStats()
	assert.Equal(t, int64(2), stats.InsertCount)
	assert.Equal(t, int64(1), stats.InsertErrors)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(1), stats.DeleteCount)
}
