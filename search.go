package quiver

import (
	"context"
	"iter"
	"time"

	"github.com/quivertech/quiver/index/hnsw"
)

// SearchResult is a single search hit.
type SearchResult struct {
	// ID is the identifier assigned by Insert.
	ID uint64

	// Distance to the query under the configured metric. Lower is closer
	// for L2 metrics; cosine distance is 1 - similarity.
	Distance float32
}

// SearchBuilder configures a nearest neighbor query.
//
//	results, err := db.Search(query).KNN(10).EF(200).Execute(ctx)
//
// Builders are cheap and single-use; configuration errors surface on
// Execute.
type SearchBuilder struct {
	q     *Quiver
	query []float32
	k     int
	ef    int
	exact bool
}

// Search starts a query for the nearest neighbors of the given vector.
func (q *Quiver) Search(query []float32) *SearchBuilder {
	return &SearchBuilder{q: q, query: query, k: 10}
}

// KNN sets the number of neighbors to return. Default is 10.
func (b *SearchBuilder) KNN(k int) *SearchBuilder {
	b.k = k
	return b
}

// EF sets the beam width for this query. Zero uses the index default.
// Larger values trade latency for recall; EF below K is rejected.
func (b *SearchBuilder) EF(ef int) *SearchBuilder {
	b.ef = ef
	return b
}

// Exact switches the query to an exhaustive linear scan. Useful for small
// indexes and for measuring the recall of the approximate search.
func (b *SearchBuilder) Exact() *SearchBuilder {
	b.exact = true
	return b
}

// Execute runs the query and returns up to K results ascending by distance,
// ties broken by ID.
func (b *SearchBuilder) Execute(ctx context.Context) ([]SearchResult, error) {
	start := time.Now()
	results, err := b.run(ctx)
	err = translateError(err)
	b.q.metrics.RecordSearch(b.k, time.Since(start), err)
	b.q.logger.LogSearch(ctx, b.k, len(results), err)
	return results, err
}

func (b *SearchBuilder) run(ctx context.Context) ([]SearchResult, error) {
	var (
		raw []hnsw.Result
		err error
	)
	if b.exact {
		raw, err = b.q.index.BruteSearch(ctx, b.query, b.k)
	} else {
		raw, err = b.q.index.Search(ctx, b.query, b.k, func(o *hnsw.SearchOptions) {
			o.EF = b.ef
		})
	}
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(raw))
	for i, r := range raw {
		results[i] = SearchResult{ID: r.ID, Distance: r.Distance}
	}
	return results, nil
}

// Stream runs the query and yields results nearest-first. Iteration stops
// early when the caller breaks; an error is yielded once, as the final pair,
// with a zero SearchResult.
func (b *SearchBuilder) Stream(ctx context.Context) iter.Seq2[SearchResult, error] {
	return func(yield func(SearchResult, error) bool) {
		results, err := b.Execute(ctx)
		if err != nil {
			yield(SearchResult{}, err)
			return
		}
		for _, r := range results {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// First returns only the nearest neighbor.
func (b *SearchBuilder) First(ctx context.Context) (SearchResult, error) {
	results, err := b.KNN(1).Execute(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	return results[0], nil
}

// Count runs the query and returns the number of hits (at most K).
func (b *SearchBuilder) Count(ctx context.Context) (int, error) {
	results, err := b.Execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Exists reports whether a neighbor within the given distance exists.
func (b *SearchBuilder) Exists(ctx context.Context, within float32) (bool, error) {
	result, err := b.First(ctx)
	if err != nil {
		if isEmptyOrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return result.Distance <= within, nil
}
