package hnsw

import "context"

// Vacuum rebuilds the graph without tombstoned points.
//
// Tombstoned points keep occupying slots and edges until vacuumed; this is
// the rebuild that reclaims them. Every surviving point is re-linked with
// its original ID and level, so store IDs stay valid and the rebuild is
// deterministic. The index is locked exclusively for the duration, the
// spec'd trade on constrained devices: a rebuild is rare and bounded, and a
// concurrent mutation during one cannot preserve the graph invariants.
//
// On failure the previous graph is left in place untouched.
func (h *Index) Vacuum(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.graph
	if old.tombstones.IsEmpty() {
		return nil
	}

	rebuilt := newGraph()
	h.graph = rebuilt

	for slot := range old.nodes {
		n := &old.nodes[slot]
		if old.tombstones.Contains(n.id) {
			continue
		}

		vec, err := h.resolveID(n.id)
		if err == nil {
			err = h.insertLocked(n.id, int(n.level), vec)
		}
		if err != nil {
			h.graph = old
			return err
		}

		if slot%256 == 0 {
			if err := ctx.Err(); err != nil {
				h.graph = old
				return err
			}
		}
	}

	return nil
}
