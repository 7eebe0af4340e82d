package hnsw

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// node is a graph point. The vector payload lives in the store; the node
// holds only the external ID, the immutable level, and per-layer adjacency.
//
// Adjacency lists store dense slots, not external IDs, so traversal never
// touches the id map. Persistence translates back to external IDs.
type node struct {
	id     uint64
	level  int32
	layers [][]uint32
}

// graph is the slot arena backing an index: all points, their adjacency
// lists, the tombstone set, and the entry point.
//
// Slots are dense and append-only; a slot is never reused while the graph is
// live. Vacuum swaps in a freshly built arena instead of compacting in place,
// which keeps every relation a plain index lookup with no ownership cycles.
//
// The graph itself is not synchronized; the index serializes writers and
// lets readers in under its RWMutex. The entry state is additionally
// published through an atomic so late readers of a swapped-in entry point see
// either the old or the new (slot, level) pair, never a torn one.
type graph struct {
	nodes      []node
	idToSlot   map[uint64]uint32
	tombstones *roaring64.Bitmap

	// entry packs (slot, maxLevel+1); zero means empty graph.
	entry atomic.Uint64
}

func newGraph() *graph {
	return &graph{
		idToSlot:   make(map[uint64]uint32),
		tombstones: roaring64.New(),
	}
}

func (g *graph) slotOf(id uint64) (uint32, bool) {
	slot, ok := g.idToSlot[id]
	return slot, ok
}

// addNode appends a node with empty adjacency at every layer 0..level.
func (g *graph) addNode(id uint64, level int) uint32 {
	slot := uint32(len(g.nodes))
	g.nodes = append(g.nodes, node{
		id:     id,
		level:  int32(level),
		layers: make([][]uint32, level+1),
	})
	g.idToSlot[id] = slot
	return slot
}

// removeLastNode undoes the most recent addNode. Used only by insert
// rollback, before the node is reachable from anywhere.
func (g *graph) removeLastNode() {
	n := len(g.nodes) - 1
	delete(g.idToSlot, g.nodes[n].id)
	g.nodes[n] = node{}
	g.nodes = g.nodes[:n]
}

// neighbors returns the adjacency list of slot at layer. The slice aliases
// graph memory; callers must not hold it across mutations.
func (g *graph) neighbors(slot uint32, layer int) []uint32 {
	n := &g.nodes[slot]
	if layer > int(n.level) {
		return nil
	}
	return n.layers[layer]
}

// setNeighbors replaces the adjacency list of slot at layer.
// Exceeding the degree cap is a core bug, not a caller error.
func (g *graph) setNeighbors(slot uint32, layer int, neighbors []uint32, maxConns int) {
	if len(neighbors) > maxConns {
		panic("hnsw: adjacency list exceeds degree cap")
	}
	g.nodes[slot].layers[layer] = neighbors
}

// addEdge appends a directed edge if absent. Reports whether the list
// changed; a false return means the edge already existed (idempotent no-op).
// The caller re-prunes when the list is over cap afterwards.
func (g *graph) addEdge(from, to uint32, layer int) bool {
	if from == to {
		return false
	}
	n := &g.nodes[from]
	for _, existing := range n.layers[layer] {
		if existing == to {
			return false
		}
	}
	n.layers[layer] = append(n.layers[layer], to)
	return true
}

// removeEdge removes a directed edge if present.
func (g *graph) removeEdge(from, to uint32, layer int) bool {
	n := &g.nodes[from]
	list := n.layers[layer]
	for i, existing := range list {
		if existing == to {
			n.layers[layer] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// entryState returns the current entry slot and max level.
// ok is false while the graph is empty.
func (g *graph) entryState() (slot uint32, maxLevel int, ok bool) {
	packed := g.entry.Load()
	if packed == 0 {
		return 0, 0, false
	}
	return uint32(packed >> 32), int(uint32(packed)) - 1, true
}

// setEntry publishes (slot, maxLevel) as a single atomic swap.
func (g *graph) setEntry(slot uint32, maxLevel int) {
	g.entry.Store(uint64(slot)<<32 | uint64(uint32(maxLevel)+1))
}

func (g *graph) maxLevel() int {
	_, level, ok := g.entryState()
	if !ok {
		return -1
	}
	return level
}

func (g *graph) count() int {
	return len(g.nodes)
}

func (g *graph) liveCount() int {
	return len(g.nodes) - int(g.tombstones.GetCardinality())
}
