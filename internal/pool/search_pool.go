// Package pool provides reusable search state so graph traversal does not
// allocate per query. Uses sync.Pool for automatic memory reuse and bitsets
// for visited tracking.
package pool

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/quivertech/quiver/internal/queue"
)

const (
	// defaultMaxSlots is the initial visited-bitset capacity. Sized for small
	// on-device graphs; the bitset grows on demand past this.
	defaultMaxSlots = 64 * 1024

	// discardSlots is the capacity above which a context is dropped instead
	// of pooled, so one huge index does not pin memory forever.
	discardSlots = 16 * 1024 * 1024

	// defaultQueueCapacity covers common efConstruction settings without
	// growth.
	defaultQueueCapacity = 256
)

// SearchContext carries the per-traversal working set: the visited bitset,
// the nearest-first candidate queue, and the farthest-first result queue.
//
// Contexts are reused across searches and inserts; all state is cleared by
// Reset.
type SearchContext struct {
	Visited    *bitset.BitSet
	Candidates *queue.PriorityQueue
	Results    *queue.PriorityQueue
}

var searchContextPool = sync.Pool{
	New: func() any {
		return &SearchContext{
			Visited:    bitset.New(defaultMaxSlots),
			Candidates: queue.NewMin(defaultQueueCapacity),
			Results:    queue.NewMax(defaultQueueCapacity),
		}
	},
}

// Get retrieves a cleared SearchContext from the pool.
func Get() *SearchContext {
	sc := searchContextPool.Get().(*SearchContext)
	sc.Reset()
	return sc
}

// Put returns a SearchContext to the pool for reuse.
func Put(sc *SearchContext) {
	if sc.Visited.Len() > discardSlots {
		return
	}
	searchContextPool.Put(sc)
}

// Reset clears the SearchContext for reuse.
func (sc *SearchContext) Reset() {
	sc.Visited.ClearAll()
	sc.Candidates.Reset()
	sc.Results.Reset()
}

// MarkVisited marks a slot as visited and reports whether it already was.
// The bitset grows as needed.
func (sc *SearchContext) MarkVisited(slot uint32) bool {
	if sc.Visited.Test(uint(slot)) {
		return true
	}
	sc.Visited.Set(uint(slot))
	return false
}

// IsVisited reports whether a slot has been visited.
func (sc *SearchContext) IsVisited(slot uint32) bool {
	return sc.Visited.Test(uint(slot))
}
