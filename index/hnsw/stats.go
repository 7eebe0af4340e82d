package hnsw

import "github.com/quivertech/quiver/distance"

// Stats is a point-in-time snapshot of index shape and configuration.
type Stats struct {
	// Points is the total point count, tombstoned included.
	Points int

	// Live is the point count visible to search.
	Live int

	// Tombstones is the count of deleted points awaiting vacuum.
	Tombstones int

	// MaxLevel is the current top layer, -1 when empty.
	MaxLevel int

	// EntryPoint is the entry point ID; meaningful only when Points > 0.
	EntryPoint uint64

	// LayerHistogram counts points by assigned level: LayerHistogram[l] is
	// the number of points whose top layer is l.
	LayerHistogram []int

	Dimension      int
	Metric         distance.Metric
	M              int
	M0             int
	EFConstruction int

	// Accelerated reports whether SIMD distance kernels are active.
	Accelerated bool
}

// Stats collects current index statistics.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	g := h.graph
	s := Stats{
		Points:         g.count(),
		Live:           g.liveCount(),
		Tombstones:     int(g.tombstones.GetCardinality()),
		MaxLevel:       g.maxLevel(),
		Dimension:      h.dim,
		Metric:         h.metric,
		M:              h.m,
		M0:             h.m0,
		EFConstruction: h.efConstruction,
		Accelerated:    distance.Accelerated(),
	}

	if slot, _, ok := g.entryState(); ok {
		s.EntryPoint = g.nodes[slot].id
		s.LayerHistogram = make([]int, g.maxLevel()+1)
		for i := range g.nodes {
			s.LayerHistogram[g.nodes[i].level]++
		}
	}

	return s
}
