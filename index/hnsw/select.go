package hnsw

import "sort"

// scored is a candidate point with its precomputed distance to the point
// being linked (or to the query during re-pruning).
type scored struct {
	slot uint32
	id   uint64
	dist float32
}

// sortScored orders candidates ascending by distance, ties broken by
// external ID so selection is reproducible across runs.
func sortScored(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].dist != s[j].dist {
			return s[i].dist < s[j].dist
		}
		return s[i].id < s[j].id
	})
}

// selectNeighbors picks at most m edges from candidates, which must already
// be sorted by sortScored. Inputs are never mutated past the sort.
func (h *Index) selectNeighbors(candidates []scored, m int) ([]uint32, error) {
	if h.heuristic {
		return h.selectHeuristic(candidates, m)
	}
	return h.selectSimple(candidates, m), nil
}

// selectSimple keeps the m nearest candidates.
func (h *Index) selectSimple(candidates []scored, m int) []uint32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.slot
	}
	return out
}

// selectHeuristic is the diversity-preserving selection from the HNSW paper.
//
// Candidates are visited nearest-first; a candidate is admitted only if it is
// closer to the query point than to every already-admitted neighbor. This is
// what keeps edges spread across directions instead of collapsing into a
// cluster of near-duplicates, and it is the source of the graph's short
// average path length.
//
// With keepPruned enabled, remaining capacity is filled from the rejected
// candidates in their original order, so sparse regions still reach m edges.
func (h *Index) selectHeuristic(candidates []scored, m int) ([]uint32, error) {
	if len(candidates) <= m {
		return h.selectSimple(candidates, m), nil
	}

	selected := make([]scored, 0, m)
	selectedVecs := make([][]float32, 0, m)
	var pruned []scored

	for _, c := range candidates {
		if len(selected) == m {
			break
		}

		cvec, err := h.resolveSlot(c.slot)
		if err != nil {
			return nil, err
		}

		admit := true
		for _, rvec := range selectedVecs {
			if h.distFn(cvec, rvec) < c.dist {
				admit = false
				break
			}
		}

		if admit {
			selected = append(selected, c)
			selectedVecs = append(selectedVecs, cvec)
		} else if h.keepPruned {
			pruned = append(pruned, c)
		}
	}

	for _, c := range pruned {
		if len(selected) == m {
			break
		}
		selected = append(selected, c)
	}

	out := make([]uint32, len(selected))
	for i, c := range selected {
		out[i] = c.slot
	}
	return out, nil
}

// reprune shrinks an over-cap adjacency list back to the degree cap by
// re-running selection over the node's current neighbors, scored against the
// node's own vector.
func (h *Index) reprune(slot uint32, layer, maxConns int) error {
	vec, err := h.resolveSlot(slot)
	if err != nil {
		return err
	}

	current := h.graph.neighbors(slot, layer)
	candidates := make([]scored, 0, len(current))
	for _, n := range current {
		d, err := h.distToSlot(vec, n)
		if err != nil {
			return err
		}
		candidates = append(candidates, scored{slot: n, id: h.graph.nodes[n].id, dist: d})
	}
	sortScored(candidates)

	selected, err := h.selectNeighbors(candidates, maxConns)
	if err != nil {
		return err
	}
	h.graph.setNeighbors(slot, layer, selected, maxConns)
	return nil
}
