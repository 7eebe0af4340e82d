package hnsw

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivertech/quiver/distance"
	"github.com/quivertech/quiver/testutil"
)

func newTestIndex(t *testing.T, dim int, optFns ...func(o *Options)) *Index {
	t.Helper()
	seed := int64(1)
	idx, err := New(func(o *Options) {
		o.Dimension = dim
		o.RandomSeed = &seed
		for _, fn := range optFns {
			fn(o)
		}
	})
	require.NoError(t, err)
	return idx
}

func insertAll(t *testing.T, idx *Index, vectors [][]float32) []uint64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]uint64, len(vectors))
	for i, v := range vectors {
		id, err := idx.Insert(ctx, v)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestInsertAssignsSequentialIDs(t *testing.T) {
	idx := newTestIndex(t, 4)
	vectors := testutil.NewRNG(7).UniformVectors(50, 4)

	ids := insertAll(t, idx, vectors)
	for i, id := range ids {
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, 50, idx.Len())
	assert.Equal(t, 50, idx.LiveCount())
}

func TestSearchFindsSelf(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8)
	vectors := testutil.NewRNG(42).UniformVectors(1000, 8)
	ids := insertAll(t, idx, vectors)

	results, err := idx.Search(ctx, vectors[42], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[42], results[0].ID)
	assert.Equal(t, float32(0), results[0].Distance)
}

func TestSearchOrdering(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 16)
	vectors := testutil.NewRNG(3).UniformVectors(300, 16)
	insertAll(t, idx, vectors)

	query := testutil.NewRNG(99).UniformVectors(1, 16)[0]
	results, err := idx.Search(ctx, query, 20)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for i := 1; i < len(results); i++ {
		prev, cur := results[i-1], results[i]
		ok := prev.Distance < cur.Distance ||
			(prev.Distance == cur.Distance && prev.ID < cur.ID)
		assert.True(t, ok, "results out of order at %d: %+v %+v", i, prev, cur)
	}
}

func TestSearchRecall(t *testing.T) {
	testCases := []struct {
		name      string
		metric    distance.Metric
		heuristic bool
		minRecall float64
	}{
		{name: "squared_l2_heuristic", metric: distance.MetricSquaredL2, heuristic: true, minRecall: 0.9},
		{name: "squared_l2_simple", metric: distance.MetricSquaredL2, heuristic: false, minRecall: 0.85},
		{name: "cosine_heuristic", metric: distance.MetricCosine, heuristic: true, minRecall: 0.9},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			rng := testutil.NewRNG(11)
			vectors := rng.GaussianVectors(2000, 32)
			queries := rng.GaussianVectors(20, 32)

			idx := newTestIndex(t, 32, func(o *Options) {
				o.Metric = tc.metric
				o.Heuristic = tc.heuristic
			})
			insertAll(t, idx, vectors)

			k := 10
			total := 0.0
			for _, q := range queries {
				got, err := idx.Search(ctx, q, k, func(o *SearchOptions) { o.EF = 128 })
				require.NoError(t, err)

				truth := testutil.BruteForceSearch(q, vectors, k, tc.metric)
				approx := make([]testutil.SearchResult, len(got))
				for i, r := range got {
					approx[i] = testutil.SearchResult{ID: r.ID, Distance: r.Distance}
				}
				total += testutil.ComputeRecall(truth, approx)
			}
			recall := total / float64(len(queries))
			assert.GreaterOrEqual(t, recall, tc.minRecall, "recall %.3f", recall)
		})
	}
}

func TestRecallImprovesWithEF(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(5)
	vectors := rng.GaussianVectors(3000, 24)
	queries := rng.GaussianVectors(25, 24)

	idx := newTestIndex(t, 24)
	insertAll(t, idx, vectors)

	avgRecall := func(ef int) float64 {
		total := 0.0
		for _, q := range queries {
			got, err := idx.Search(ctx, q, 10, func(o *SearchOptions) { o.EF = ef })
			require.NoError(t, err)
			truth := testutil.BruteForceSearch(q, vectors, 10, distance.MetricSquaredL2)
			approx := make([]testutil.SearchResult, len(got))
			for i, r := range got {
				approx[i] = testutil.SearchResult{ID: r.ID, Distance: r.Distance}
			}
			total += testutil.ComputeRecall(truth, approx)
		}
		return total / float64(len(queries))
	}

	low := avgRecall(16)
	high := avgRecall(256)
	// Widening the beam trades latency for recall; a small per-sample wobble
	// is expected, a regression is not.
	assert.GreaterOrEqual(t, high, low-0.02, "ef=256 recall %.3f below ef=16 recall %.3f", high, low)
	assert.Greater(t, high, 0.95)
}

func TestBruteSearchMatchesGroundTruth(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(21)
	vectors := rng.UniformVectors(500, 12)
	idx := newTestIndex(t, 12)
	insertAll(t, idx, vectors)

	query := rng.UniformVectors(1, 12)[0]
	got, err := idx.BruteSearch(ctx, query, 15)
	require.NoError(t, err)

	truth := testutil.BruteForceSearch(query, vectors, 15, distance.MetricSquaredL2)
	require.Len(t, got, len(truth))
	for i := range truth {
		assert.Equal(t, truth[i].ID, got[i].ID, "mismatch at rank %d", i)
	}
}

func TestBruteSearchCosineMatchesGroundTruth(t *testing.T) {
	// Cosine ranks by angle, not magnitude. {3,4} points away from the query,
	// {0.9,0.1} nearly along it; raw inner products would invert that order.
	ctx := context.Background()
	vectors := [][]float32{{3, 4}, {0.9, 0.1}, {0, 1}}
	idx := newTestIndex(t, 2, func(o *Options) {
		o.Metric = distance.MetricCosine
	})
	insertAll(t, idx, vectors)

	query := []float32{1, 0}
	got, err := idx.BruteSearch(ctx, query, 3)
	require.NoError(t, err)

	truth := testutil.BruteForceSearch(query, vectors, 3, distance.MetricCosine)
	require.Len(t, got, len(truth))
	for i := range truth {
		assert.Equal(t, truth[i].ID, got[i].ID, "mismatch at rank %d", i)
		assert.InDelta(t, truth[i].Distance, got[i].Distance, 1e-6, "distance at rank %d", i)
		assert.GreaterOrEqual(t, truth[i].Distance, float32(0))
	}
	assert.Equal(t, uint64(1), got[0].ID)
}

func TestDeterministicConstruction(t *testing.T) {
	ctx := context.Background()
	vectors := testutil.NewRNG(17).UniformVectors(400, 16)
	queries := testutil.NewRNG(18).UniformVectors(10, 16)

	build := func() *Index {
		idx := newTestIndex(t, 16)
		insertAll(t, idx, vectors)
		return idx
	}

	a, b := build(), build()
	for _, q := range queries {
		ra, err := a.Search(ctx, q, 10)
		require.NoError(t, err)
		rb, err := b.Search(ctx, q, 10)
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
}

func TestEmptyIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)

	_, err := idx.Search(ctx, []float32{1, 2, 3, 4}, 5)
	assert.ErrorIs(t, err, ErrEmptyIndex)

	_, err = idx.BruteSearch(ctx, []float32{1, 2, 3, 4}, 5)
	assert.ErrorIs(t, err, ErrEmptyIndex)
}

func TestInvalidSearchParams(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	insertAll(t, idx, [][]float32{{1, 2, 3, 4}})

	_, err := idx.Search(ctx, []float32{1, 2, 3, 4}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = idx.Search(ctx, []float32{1, 2, 3, 4}, -3)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = idx.Search(ctx, []float32{1, 2, 3, 4}, 10, func(o *SearchOptions) { o.EF = 5 })
	var ief *ErrInvalidEF
	require.ErrorAs(t, err, &ief)
	assert.Equal(t, 5, ief.EF)
	assert.Equal(t, 10, ief.K)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	insertAll(t, idx, [][]float32{{1, 2, 3, 4}})

	_, err := idx.Insert(ctx, []float32{1, 2, 3})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)

	// A rejected insert must not leave a partial point behind.
	assert.Equal(t, 1, idx.Len())

	_, err = idx.Search(ctx, []float32{1, 2, 3, 4, 5}, 1)
	assert.ErrorAs(t, err, &dm)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8)
	vectors := testutil.NewRNG(9).UniformVectors(100, 8)
	ids := insertAll(t, idx, vectors)

	require.NoError(t, idx.Delete(ctx, ids[42]))

	assert.False(t, idx.ContainsID(ids[42]))
	assert.Equal(t, 100, idx.Len())
	assert.Equal(t, 99, idx.LiveCount())

	// The tombstoned point never appears in results.
	results, err := idx.Search(ctx, vectors[42], 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, ids[42], r.ID)
	}

	// Idempotent.
	require.NoError(t, idx.Delete(ctx, ids[42]))
	assert.Equal(t, 99, idx.LiveCount())
}

func TestDeleteUnknown(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	insertAll(t, idx, [][]float32{{1, 2, 3, 4}})

	err := idx.Delete(ctx, 999)
	var up *ErrUnknownPoint
	require.ErrorAs(t, err, &up)
	assert.Equal(t, uint64(999), up.ID)
}

func TestDeleteAllThenSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	vectors := testutil.NewRNG(2).UniformVectors(20, 4)
	ids := insertAll(t, idx, vectors)

	for _, id := range ids {
		require.NoError(t, idx.Delete(ctx, id))
	}

	_, err := idx.Search(ctx, vectors[0], 5)
	assert.ErrorIs(t, err, ErrEmptyIndex)
}

func TestInsertAfterDeleteAll(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	vectors := testutil.NewRNG(2).UniformVectors(10, 4)
	ids := insertAll(t, idx, vectors)
	for _, id := range ids {
		require.NoError(t, idx.Delete(ctx, id))
	}

	// New points must still link through the tombstoned graph.
	id, err := idx.Insert(ctx, []float32{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{0.5, 0.5, 0.5, 0.5}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestDegreeCaps(t *testing.T) {
	idx := newTestIndex(t, 8, func(o *Options) {
		o.M = 6
	})
	vectors := testutil.NewRNG(13).UniformVectors(500, 8)
	ids := insertAll(t, idx, vectors)

	for _, id := range ids {
		level, err := idx.Level(id)
		require.NoError(t, err)
		for layer := 0; layer <= level; layer++ {
			neighbors, err := idx.Neighbors(id, layer)
			require.NoError(t, err)

			maxDegree := 6
			if layer == 0 {
				maxDegree = 12
			}
			assert.LessOrEqual(t, len(neighbors), maxDegree,
				"point %d layer %d has %d neighbors", id, layer, len(neighbors))

			for _, n := range neighbors {
				assert.NotEqual(t, id, n, "self-edge on point %d", id)
			}
		}
	}
}

func TestEdgesBidirectionalModuloPruning(t *testing.T) {
	// Every edge u->v has a reverse edge unless pruning at v dropped it, which
	// can only happen when v's neighbor list sits at the degree cap.
	idx := newTestIndex(t, 8, func(o *Options) {
		o.M = 6
	})
	vectors := testutil.NewRNG(29).UniformVectors(400, 8)
	ids := insertAll(t, idx, vectors)

	for _, id := range ids {
		level, err := idx.Level(id)
		require.NoError(t, err)
		for layer := 0; layer <= level; layer++ {
			neighbors, err := idx.Neighbors(id, layer)
			require.NoError(t, err)
			for _, n := range neighbors {
				back, err := idx.Neighbors(n, layer)
				require.NoError(t, err)

				reverse := false
				for _, b := range back {
					if b == id {
						reverse = true
						break
					}
				}
				if reverse {
					continue
				}
				maxDegree := 6
				if layer == 0 {
					maxDegree = 12
				}
				assert.Len(t, back, maxDegree,
					"edge %d->%d at layer %d has no reverse edge and %d is not at the degree cap",
					id, n, layer, n)
			}
		}
	}
}

func TestSmallGraphFullyConnected(t *testing.T) {
	// Below the degree cap no pruning happens, so every pair of points is
	// mutually linked at layer 0.
	idx := newTestIndex(t, 4, func(o *Options) { o.M = 8 })
	vectors := testutil.NewRNG(1).UniformVectors(5, 4)
	ids := insertAll(t, idx, vectors)

	for _, id := range ids {
		neighbors, err := idx.Neighbors(id, 0)
		require.NoError(t, err)
		assert.Len(t, neighbors, 4)
	}
}

func TestEntryPointTracksMaxLevel(t *testing.T) {
	idx := newTestIndex(t, 8)
	vectors := testutil.NewRNG(33).UniformVectors(300, 8)
	ids := insertAll(t, idx, vectors)

	ep, ok := idx.EntryPoint()
	require.True(t, ok)
	level, err := idx.Level(ep)
	require.NoError(t, err)
	assert.Equal(t, idx.MaxLevel(), level)
	assert.Contains(t, ids, ep)
}

func TestApplyInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	ids := insertAll(t, idx, [][]float32{{1, 2, 3, 4}})

	err := idx.ApplyInsert(ctx, ids[0], 0)
	var dup *ErrDuplicateID
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ids[0], dup.ID)
}

func TestApplyInsertDangling(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)

	err := idx.ApplyInsert(ctx, 7, 0)
	var dr *ErrDanglingReference
	assert.ErrorAs(t, err, &dr)
}

func TestSearchContextCancel(t *testing.T) {
	idx := newTestIndex(t, 8)
	vectors := testutil.NewRNG(8).UniformVectors(100, 8)
	insertAll(t, idx, vectors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, vectors[0], 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineNormalization(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4, func(o *Options) {
		o.Metric = distance.MetricCosine
	})

	// Scaled copies of the same direction collapse to the same unit vector.
	_, err := idx.Insert(ctx, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	id2, err := idx.Insert(ctx, []float32{10, 0, 0, 0})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{100, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.InDelta(t, 0, results[1].Distance, 1e-6)
	_ = id2
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 8, func(o *Options) { o.M = 12 })
	vectors := testutil.NewRNG(4).UniformVectors(200, 8)
	ids := insertAll(t, idx, vectors)
	require.NoError(t, idx.Delete(ctx, ids[0]))

	stats := idx.Stats()
	assert.Equal(t, 200, stats.Points)
	assert.Equal(t, 199, stats.Live)
	assert.Equal(t, 1, stats.Tombstones)
	assert.Equal(t, 8, stats.Dimension)
	assert.Equal(t, 12, stats.M)
	assert.Equal(t, 24, stats.M0)
	assert.GreaterOrEqual(t, stats.MaxLevel, 0)

	total := 0
	for _, n := range stats.LayerHistogram {
		total += n
	}
	assert.Equal(t, 200, total)
}

func TestKMuchLargerThanIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4)
	insertAll(t, idx, testutil.NewRNG(6).UniformVectors(5, 4))

	results, err := idx.Search(ctx, []float32{0, 0, 0, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestInvalidOptions(t *testing.T) {
	testCases := []struct {
		name string
		fn   func(o *Options)
	}{
		{name: "zero_dimension", fn: func(o *Options) { o.Dimension = 0 }},
		{name: "negative_dimension", fn: func(o *Options) { o.Dimension = -1 }},
		{name: "zero_m", fn: func(o *Options) { o.Dimension = 4; o.M = -1 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.fn)
			assert.Error(t, err)
		})
	}
}

func TestLargeScale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large scale test in short mode")
	}

	ctx := context.Background()
	rng := testutil.NewRNG(100)
	vectors := rng.ClusteredVectors(5000, 32, 10, 0.1)

	idx := newTestIndex(t, 32)
	insertAll(t, idx, vectors)

	for i := 0; i < 10; i++ {
		probe := vectors[rng.Intn(len(vectors))]
		results, err := idx.Search(ctx, probe, 5, func(o *SearchOptions) { o.EF = 64 })
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, float32(0), results[0].Distance,
			fmt.Sprintf("probe should find itself, got id %d", results[0].ID))
	}
}
