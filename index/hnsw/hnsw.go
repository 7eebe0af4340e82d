// Package hnsw implements the Hierarchical Navigable Small World graph for
// approximate nearest neighbor search.
//
// The index is a multi-layer proximity graph. Layer 0 holds every point;
// each higher layer holds a geometrically shrinking subset. Inserts descend
// greedily from the entry point and link the new point into each of its
// layers; searches descend the same way and finish with a bounded beam
// search at layer 0.
//
// Concurrency follows a single-writer/multi-reader discipline: searches
// share a read lock and never block each other, while inserts, deletes, and
// snapshot operations take the write lock. The entry point is additionally
// published atomically so it is never observed torn.
package hnsw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quivertech/quiver/distance"
	"github.com/quivertech/quiver/internal/pool"
	"github.com/quivertech/quiver/vectorstore"
	"github.com/quivertech/quiver/vectorstore/columnar"
)

const (
	// minimumM is the smallest usable degree cap.
	minimumM = 2

	// layer0Multiplier relates the layer-0 cap to M.
	layer0Multiplier = 2

	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during insertion.
	DefaultEFConstruction = 200

	// DefaultEF is the default beam width during search.
	DefaultEF = 100
)

// Options configures an Index.
type Options struct {
	// Dimension is the fixed vector dimension. Required.
	Dimension int

	// M is the degree cap at layers above 0; layer 0 allows 2*M.
	M int

	// EFConstruction is the beam width used while linking inserts.
	EFConstruction int

	// EF is the default beam width for searches, overridable per query.
	EF int

	// Heuristic selects the diversity-preserving neighbor selection from the
	// HNSW paper; disabled, selection keeps the M nearest candidates.
	Heuristic bool

	// KeepPruned refills remaining edge capacity from rejected candidates.
	KeepPruned bool

	// Metric is the distance metric, fixed at construction.
	Metric distance.Metric

	// Store resolves vectors by ID. Defaults to an in-memory columnar store.
	Store vectorstore.Store

	// RandomSeed seeds the level source for deterministic construction.
	RandomSeed *int64
}

// DefaultOptions is the default Index configuration.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EF:             DefaultEF,
	Heuristic:      true,
	KeepPruned:     true,
	Metric:         distance.MetricSquaredL2,
}

// Index is an HNSW graph over a vector store.
type Index struct {
	mu sync.RWMutex

	dim            int
	m              int
	m0             int
	efConstruction int
	efDefault      int
	heuristic      bool
	keepPruned     bool
	metric         distance.Metric
	normalize      bool
	distFn         distance.Func

	store  vectorstore.Store
	levels *levelSource

	graph *graph
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EF <= 0 {
		opts.EF = DefaultEF
	}

	distFn, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = columnar.New(opts.Dimension)
		if err != nil {
			return nil, err
		}
	}
	if store.Dimension() != opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: opts.Dimension, Actual: store.Dimension()}
	}

	seed := time.Now().UnixNano()
	if opts.RandomSeed != nil {
		seed = *opts.RandomSeed
	}

	h := &Index{
		dim:            opts.Dimension,
		m:              opts.M,
		m0:             layer0Multiplier * opts.M,
		efConstruction: opts.EFConstruction,
		efDefault:      opts.EF,
		heuristic:      opts.Heuristic,
		keepPruned:     opts.KeepPruned,
		metric:         opts.Metric,
		normalize:      opts.Metric == distance.MetricCosine,
		distFn:         distFn,
		store:          store,
		levels:         newLevelSource(seed, 1/math.Log(float64(opts.M))),
		graph:          newGraph(),
	}

	return h, nil
}

// Dimension returns the configured vector dimension.
func (h *Index) Dimension() int { return h.dim }

// Metric returns the configured distance metric.
func (h *Index) Metric() distance.Metric { return h.metric }

// Store returns the vector store the index resolves through.
func (h *Index) Store() vectorstore.Store { return h.store }

// Len returns the number of points in the graph, tombstoned included.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.count()
}

// LiveCount returns the number of points visible to search.
func (h *Index) LiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.liveCount()
}

// ContainsID reports whether id is in the graph and not tombstoned.
func (h *Index) ContainsID(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.graph.slotOf(id)
	return ok && !h.graph.tombstones.Contains(id)
}

// MaxLevel returns the current maximum layer, or -1 for an empty graph.
func (h *Index) MaxLevel() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.maxLevel()
}

// EntryPoint returns the external ID of the entry point.
// ok is false while the graph is empty.
func (h *Index) EntryPoint() (id uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	slot, _, ok := h.graph.entryState()
	if !ok {
		return 0, false
	}
	return h.graph.nodes[slot].id, true
}

// Neighbors returns the adjacency list of id at layer as external IDs.
// Fails with ErrUnknownPoint if id is absent or does not reach layer.
func (h *Index) Neighbors(id uint64, layer int) ([]uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	slot, ok := h.graph.slotOf(id)
	if !ok || layer > int(h.graph.nodes[slot].level) {
		return nil, &ErrUnknownPoint{ID: id}
	}

	list := h.graph.neighbors(slot, layer)
	out := make([]uint64, len(list))
	for i, n := range list {
		out[i] = h.graph.nodes[n].id
	}
	return out, nil
}

// Level returns the assigned level of id.
// Fails with ErrUnknownPoint if id is absent.
func (h *Index) Level(id uint64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	slot, ok := h.graph.slotOf(id)
	if !ok {
		return 0, &ErrUnknownPoint{ID: id}
	}
	return int(h.graph.nodes[slot].level), nil
}

// PrepareVector validates v against the configured dimension and returns the
// form the index stores: a normalized copy for cosine, v unchanged otherwise.
func (h *Index) PrepareVector(v []float32) ([]float32, error) {
	if len(v) != h.dim {
		return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: len(v)}
	}
	if !h.normalize {
		return v, nil
	}
	vec, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return nil, fmt.Errorf("hnsw: cannot normalize zero vector")
	}
	return vec, nil
}

// DrawLevel draws the level for the next insert from the seeded source.
// Exposed so callers that log inserts can record the level before applying,
// making replayed construction deterministic without re-drawing randomness.
func (h *Index) DrawLevel() int {
	return h.levels.next()
}

// Insert appends v to the store, draws a level, and links the new point into
// the graph. Returns the store-assigned ID.
func (h *Index) Insert(ctx context.Context, v []float32) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	vec, err := h.PrepareVector(v)
	if err != nil {
		return 0, err
	}

	id, err := h.store.Append(vec)
	if err != nil {
		return 0, err
	}

	if err := h.ApplyInsert(ctx, id, h.DrawLevel()); err != nil {
		return 0, err
	}
	return id, nil
}

// ApplyInsert links an already-stored vector into the graph at the given
// level. Used directly by log replay and rebuilds, where ID and level are
// fixed in advance.
//
// Fails with ErrDuplicateID if the graph already holds id, and with
// ErrDanglingReference if id does not resolve through the store. Once
// linking has begun the insert is not cancellable; an internal failure rolls
// back every edge added so far before returning.
func (h *Index) ApplyInsert(ctx context.Context, id uint64, level int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if level < 0 {
		level = 0
	}

	vec, err := h.resolveID(id)
	if err != nil {
		return err
	}
	if len(vec) != h.dim {
		return &ErrDimensionMismatch{Expected: h.dim, Actual: len(vec)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.graph.slotOf(id); dup {
		return &ErrDuplicateID{ID: id}
	}
	return h.insertLocked(id, level, vec)
}

// insertLocked runs the layered insert under the write lock.
func (h *Index) insertLocked(id uint64, level int, vec []float32) error {
	g := h.graph
	slot := g.addNode(id, level)

	entrySlot, maxLevel, ok := g.entryState()
	if !ok {
		// First point: it becomes the entry at its own level.
		g.setEntry(slot, level)
		return nil
	}

	var undo insertUndo
	if err := h.linkLocked(&undo, slot, level, vec, entrySlot, maxLevel); err != nil {
		undo.rollback(g)
		g.removeLastNode()
		return err
	}

	if level > maxLevel {
		g.setEntry(slot, level)
	}
	return nil
}

// linkLocked descends from the entry point and wires slot into each of its
// layers.
func (h *Index) linkLocked(undo *insertUndo, slot uint32, level int, vec []float32, entrySlot uint32, maxLevel int) error {
	cur := entrySlot
	curDist, err := h.distToSlot(vec, cur)
	if err != nil {
		return err
	}

	// Phase 1: single-path greedy descent through the layers above the new
	// point's level. Each layer hands the next one its local minimum.
	for layer := maxLevel; layer > level; layer-- {
		cur, curDist, err = h.greedyStep(vec, cur, curDist, layer)
		if err != nil {
			return err
		}
	}

	// Phase 2: beam search per layer, neighbor selection, bidirectional
	// linking with re-pruning of any neighbor pushed over its cap.
	sc := pool.Get()
	defer pool.Put(sc)

	top := level
	if maxLevel < level {
		top = maxLevel
	}
	for layer := top; layer >= 0; layer-- {
		candidates, err := h.beamSearch(nil, sc, vec, cur, curDist, layer, h.efConstruction, false)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			cur, curDist = candidates[0].slot, candidates[0].dist
		}

		maxConns := h.layerCap(layer)
		selected, err := h.selectNeighbors(candidates, maxConns)
		if err != nil {
			return err
		}

		h.graph.setNeighbors(slot, layer, selected, maxConns)

		for _, n := range selected {
			if !h.graph.addEdge(n, slot, layer) {
				continue
			}
			undo.record(h.graph, n, layer)
			if len(h.graph.neighbors(n, layer)) > maxConns {
				if err := h.reprune(n, layer, maxConns); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// greedyStep walks a single layer to its local minimum: repeatedly move to
// the strictly closer neighbor until none improves.
func (h *Index) greedyStep(vec []float32, cur uint32, curDist float32, layer int) (uint32, float32, error) {
	for changed := true; changed; {
		changed = false
		for _, n := range h.graph.neighbors(cur, layer) {
			d, err := h.distToSlot(vec, n)
			if err != nil {
				return 0, 0, err
			}
			if d < curDist {
				cur, curDist = n, d
				changed = true
			}
		}
	}
	return cur, curDist, nil
}

// Delete tombstones id. O(1): no edges are removed, so the degree and
// connectivity invariants are untouched; searches skip the point in results
// but still traverse it. Vacuum rebuilds the graph without tombstones.
//
// Deleting an already-tombstoned point is a no-op. Fails with
// ErrUnknownPoint if the graph does not hold id.
func (h *Index) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.graph.slotOf(id); !ok {
		return &ErrUnknownPoint{ID: id}
	}
	h.graph.tombstones.Add(id)
	return nil
}

func (h *Index) layerCap(layer int) int {
	if layer == 0 {
		return h.m0
	}
	return h.m
}

// resolveID resolves an external ID through the store, mapping unknown IDs
// to ErrDanglingReference.
func (h *Index) resolveID(id uint64) ([]float32, error) {
	vec, err := h.store.Resolve(id)
	if err != nil {
		var unknown *vectorstore.ErrUnknownID
		if errors.As(err, &unknown) {
			return nil, &ErrDanglingReference{ID: id}
		}
		return nil, err
	}
	return vec, nil
}

func (h *Index) resolveSlot(slot uint32) ([]float32, error) {
	return h.resolveID(h.graph.nodes[slot].id)
}

func (h *Index) distToSlot(vec []float32, slot uint32) (float32, error) {
	other, err := h.resolveSlot(slot)
	if err != nil {
		return 0, err
	}
	return h.distFn(vec, other), nil
}

// insertUndo records the adjacency lists an insert mutates so a failed
// insert can restore them exactly. The new node itself is simply truncated
// away; nothing references it until the insert completes.
type insertUndo struct {
	entries []undoEntry
}

type undoEntry struct {
	slot  uint32
	layer int
	prev  []uint32
}

func (u *insertUndo) record(g *graph, slot uint32, layer int) {
	for _, e := range u.entries {
		if e.slot == slot && e.layer == layer {
			return
		}
	}
	list := g.neighbors(slot, layer)
	// The list we saved must survive later in-place edits; addEdge appended
	// after this snapshot, so drop the new edge from the copy.
	prev := make([]uint32, len(list)-1)
	copy(prev, list[:len(list)-1])
	u.entries = append(u.entries, undoEntry{slot: slot, layer: layer, prev: prev})
}

func (u *insertUndo) rollback(g *graph) {
	for i := len(u.entries) - 1; i >= 0; i-- {
		e := u.entries[i]
		g.nodes[e.slot].layers[e.layer] = e.prev
	}
}
