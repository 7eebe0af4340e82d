package hnsw

import (
	"context"

	"github.com/quivertech/quiver/internal/pool"
	"github.com/quivertech/quiver/internal/queue"
)

// Result is a search hit.
type Result struct {
	ID       uint64
	Distance float32
}

// SearchOptions are per-query knobs.
type SearchOptions struct {
	// EF is the beam width. Zero means the index default (raised to k when
	// k is larger). A non-zero EF below k is rejected.
	EF int
}

// Search returns the k nearest live points to q, ascending by distance with
// ties broken by ID. Search is read-only and honors ctx between beam
// expansions.
//
// Recall is probabilistic and improves monotonically with EF. Fails with
// ErrInvalidK, ErrInvalidEF, or ErrEmptyIndex before any traversal.
func (h *Index) Search(ctx context.Context, q []float32, k int, optFns ...func(o *SearchOptions)) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	var opts SearchOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EF != 0 && opts.EF < k {
		return nil, &ErrInvalidEF{EF: opts.EF, K: k}
	}
	ef := opts.EF
	if ef == 0 {
		ef = h.efDefault
	}
	if ef < k {
		ef = k
	}

	vec, err := h.PrepareVector(q)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph.liveCount() == 0 {
		return nil, ErrEmptyIndex
	}

	entrySlot, maxLevel, _ := h.graph.entryState()

	// Greedy single-path descent to layer 1's local minimum.
	cur := entrySlot
	curDist, err := h.distToSlot(vec, cur)
	if err != nil {
		return nil, err
	}
	for layer := maxLevel; layer > 0; layer-- {
		cur, curDist, err = h.greedyStep(vec, cur, curDist, layer)
		if err != nil {
			return nil, err
		}
	}

	// Beam search at layer 0.
	sc := pool.Get()
	defer pool.Put(sc)

	candidates, err := h.beamSearch(ctx, sc, vec, cur, curDist, 0, ef, true)
	if err != nil {
		return nil, err
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

// beamSearch is the bounded best-first traversal of a single layer.
//
// It maintains a nearest-first candidate queue and a farthest-first result
// queue bounded by ef, expanding the nearest unexpanded candidate until that
// candidate is farther than the worst kept result. Returns up to ef scored
// points sorted ascending by (distance, ID).
//
// With skipTombstoned set, tombstoned points are traversed for connectivity
// but excluded from results. Inserts traverse with it unset so a graph of
// mostly-deleted points still links new arrivals everywhere.
//
// A nil ctx disables cancellation; inserts pass nil because a half-linked
// point cannot be abandoned.
func (h *Index) beamSearch(ctx context.Context, sc *pool.SearchContext, vec []float32, entrySlot uint32, entryDist float32, layer, ef int, skipTombstoned bool) ([]scored, error) {
	g := h.graph

	sc.Reset()
	sc.MarkVisited(entrySlot)
	sc.Candidates.PushItem(queue.Item{Slot: entrySlot, Distance: entryDist})
	if !skipTombstoned || !g.tombstones.Contains(g.nodes[entrySlot].id) {
		sc.Results.PushItem(queue.Item{Slot: entrySlot, Distance: entryDist})
	}

	for sc.Candidates.Len() > 0 {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cur, _ := sc.Candidates.PopItem()

		// Local minimum: nothing left to expand can improve the kept set.
		if sc.Results.Len() >= ef {
			if worst, ok := sc.Results.TopItem(); ok && cur.Distance > worst.Distance {
				break
			}
		}

		for _, n := range g.neighbors(cur.Slot, layer) {
			if sc.MarkVisited(n) {
				continue
			}

			d, err := h.distToSlot(vec, n)
			if err != nil {
				return nil, err
			}

			// Skip candidates that cannot enter a full result set; this
			// bounds heap churn without changing the result.
			if sc.Results.Len() >= ef {
				if worst, _ := sc.Results.TopItem(); d > worst.Distance {
					continue
				}
			}

			sc.Candidates.PushItem(queue.Item{Slot: n, Distance: d})
			if !skipTombstoned || !g.tombstones.Contains(g.nodes[n].id) {
				sc.Results.PushItem(queue.Item{Slot: n, Distance: d})
				if sc.Results.Len() > ef {
					sc.Results.PopItem()
				}
			}
		}
	}

	out := make([]scored, 0, sc.Results.Len())
	for sc.Results.Len() > 0 {
		item, _ := sc.Results.PopItem()
		out = append(out, scored{slot: item.Slot, id: g.nodes[item.Slot].id, dist: item.Distance})
	}
	sortScored(out)
	return out, nil
}

// BruteSearch is the exact linear scan over live points. It shares the
// result shape and ordering rules with Search and serves as the recall
// ground truth.
func (h *Index) BruteSearch(ctx context.Context, q []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	vec, err := h.PrepareVector(q)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph.liveCount() == 0 {
		return nil, ErrEmptyIndex
	}

	hits := make([]scored, 0, h.graph.liveCount())
	for slot := range h.graph.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := &h.graph.nodes[slot]
		if h.graph.tombstones.Contains(n.id) {
			continue
		}
		d, err := h.distToSlot(vec, uint32(slot))
		if err != nil {
			return nil, err
		}
		hits = append(hits, scored{slot: uint32(slot), id: n.id, dist: d})
	}

	sortScored(hits)
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]Result, len(hits))
	for i, c := range hits {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}
