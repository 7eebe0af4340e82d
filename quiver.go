// Package quiver provides an embedded approximate nearest neighbor search
// engine for Go.
//
// Vectors are indexed in a hierarchical proximity graph (HNSW) over a
// pluggable vector store, with durability via snapshots and an optional
// write-ahead log.
//
// # Quick Start
//
// In-memory index:
//
//	ctx := context.Background()
//	db, err := quiver.New(128, quiver.WithMetric(distance.MetricCosine))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	id, _ := db.Insert(ctx, vector)
//
//	results, _ := db.Search(query).KNN(10).EF(100).Execute(ctx)
//
// Durable index (snapshot + WAL in a directory):
//
//	db, err := quiver.Open(ctx, "./data",
//	    quiver.WithDimension(128),
//	    quiver.WithWAL(""))
//	defer db.Close()
//
// Open replays committed log entries after loading the snapshot, so a crash
// between snapshots loses nothing that was acknowledged.
//
// # Deletes and Vacuum
//
// Delete is a constant-time tombstone; the point stops appearing in results
// but keeps its place in the graph. Vacuum rebuilds the graph without
// tombstoned points when enough of them have accumulated.
package quiver

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quivertech/quiver/index/hnsw"
	"github.com/quivertech/quiver/persistence"
	"github.com/quivertech/quiver/resource"
	"github.com/quivertech/quiver/vectorstore"
	"github.com/quivertech/quiver/vectorstore/columnar"
	"github.com/quivertech/quiver/wal"
)

// SnapshotFileName is the default snapshot file name inside an index
// directory.
const SnapshotFileName = "quiver.snapshot"

var (
	containerMagic   = [4]byte{'Q', 'V', 'D', 'B'}
	containerVersion = uint32(1)
)

// Quiver is an embedded vector search database.
//
// Searches are concurrent; mutations (insert, delete, vacuum, snapshot)
// serialize on an internal mutex on top of the index's own locking, so a
// snapshot always captures a consistent store+graph pair.
type Quiver struct {
	mu    sync.Mutex // serializes mutations and snapshots
	index *hnsw.Index
	pm    *persistence.Manager

	opts         options
	metrics      MetricsCollector
	logger       *Logger
	snapshotPath string
	closed       bool
}

// New creates an in-memory index for vectors of the given dimension.
//
// Use WithWAL to add durability without a snapshot directory, or Open for
// the full snapshot+WAL lifecycle.
func New(dimension int, optFns ...Option) (*Quiver, error) {
	opts := applyOptions(optFns)
	opts.dimension = dimension

	q := &Quiver{
		opts:         opts,
		metrics:      opts.metricsCollector,
		logger:       opts.logger,
		snapshotPath: opts.snapshotPath,
	}

	idx, err := q.buildIndex()
	if err != nil {
		return nil, translateError(err)
	}
	q.index = idx

	if opts.walEnabled {
		if opts.walPath == "" {
			return nil, fmt.Errorf("quiver: WithWAL requires a path when used with New")
		}
		pm, err := persistence.NewManager(persistence.ManagerOptions{
			SnapshotPath:   q.snapshotPath,
			WALPath:        opts.walPath,
			WALOptions:     opts.walOptions,
			AutoCheckpoint: true,
		})
		if err != nil {
			return nil, translateError(err)
		}
		q.pm = pm
		pm.SetCheckpointCallback(q.autoCheckpoint)

		ctx := context.Background()
		if err := q.recover(ctx); err != nil {
			_ = pm.Close()
			return nil, translateError(err)
		}
	}

	return q, nil
}

// Open opens (or creates) a durable index in dir.
//
// The directory holds the snapshot file and, when WAL is enabled, the log.
// If a snapshot exists it is loaded and committed WAL entries written after
// it are replayed. Creating a fresh index requires WithDimension.
func Open(ctx context.Context, dir string, optFns ...Option) (*Quiver, error) {
	opts := applyOptions(optFns)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("quiver: create index directory: %w", err)
	}

	snapshotPath := opts.snapshotPath
	if snapshotPath == "" {
		snapshotPath = filepath.Join(dir, SnapshotFileName)
	}

	q := &Quiver{
		opts:         opts,
		metrics:      opts.metricsCollector,
		logger:       opts.logger,
		snapshotPath: snapshotPath,
	}

	walPath := ""
	if opts.walEnabled {
		walPath = opts.walPath
		if walPath == "" {
			walPath = dir
		}
	}

	pm, err := persistence.NewManager(persistence.ManagerOptions{
		SnapshotPath:   snapshotPath,
		WALPath:        walPath,
		WALOptions:     opts.walOptions,
		AutoCheckpoint: true,
	})
	if err != nil {
		return nil, translateError(err)
	}
	q.pm = pm

	// A fresh directory needs the index built before the log can replay
	// into it; an existing snapshot carries its own configuration.
	if _, err := os.Stat(snapshotPath); err != nil {
		if !os.IsNotExist(err) {
			_ = pm.Close()
			return nil, fmt.Errorf("quiver: check snapshot: %w", err)
		}
		if opts.dimension <= 0 {
			_ = pm.Close()
			return nil, fmt.Errorf("quiver: no snapshot at %s; creating a new index requires WithDimension", snapshotPath)
		}
		idx, err := q.buildIndex()
		if err != nil {
			_ = pm.Close()
			return nil, translateError(err)
		}
		q.index = idx
	}

	if err := q.recover(ctx); err != nil {
		_ = pm.Close()
		return nil, translateError(err)
	}

	pm.SetCheckpointCallback(q.autoCheckpoint)
	return q, nil
}

func (q *Quiver) buildIndex() (*hnsw.Index, error) {
	store := q.opts.store
	if store == nil {
		s, err := columnar.New(q.opts.dimension, func(o *columnar.Options) {
			o.Controller = q.opts.controller
		})
		if err != nil {
			return nil, err
		}
		store = s
	}

	optFns := append([]func(*hnsw.Options){}, q.opts.indexOptions...)
	optFns = append(optFns, func(o *hnsw.Options) {
		o.Dimension = q.opts.dimension
		o.Metric = q.opts.metric
		o.Store = store
	})
	return hnsw.New(optFns...)
}

// Index exposes the underlying graph index for advanced use (stats,
// neighbor inspection). Mutating it directly bypasses WAL durability.
func (q *Quiver) Index() *hnsw.Index {
	return q.index
}

// WAL returns the write-ahead log, or nil when durability is disabled.
func (q *Quiver) WAL() *wal.WAL {
	if q.pm == nil {
		return nil
	}
	return q.pm.WAL()
}

// Dimension returns the configured vector dimension.
func (q *Quiver) Dimension() int {
	return q.index.Dimension()
}

// Get returns a copy of the vector stored under id.
// Tombstoned and unknown IDs fail with ErrNotFound.
func (q *Quiver) Get(id uint64) ([]float32, error) {
	if !q.index.ContainsID(id) {
		return nil, ErrNotFound
	}
	vec, err := q.index.Store().Resolve(id)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// Insert adds a vector and returns its assigned ID.
//
// With WAL enabled the operation is logged prepare/commit around the graph
// mutation, so recovery replays it if and only if it completed.
func (q *Quiver) Insert(ctx context.Context, vector []float32) (uint64, error) {
	start := time.Now()
	id, err := q.insert(ctx, vector)
	err = translateError(err)
	q.metrics.RecordInsert(time.Since(start), err)
	q.logger.LogInsert(ctx, id, len(vector), err)
	return id, err
}

func (q *Quiver) insert(ctx context.Context, vector []float32) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	w := q.WAL()
	if w == nil {
		return q.index.Insert(ctx, vector)
	}

	vec, err := q.index.PrepareVector(vector)
	if err != nil {
		return 0, err
	}
	level := q.index.DrawLevel()
	id, err := q.index.Store().Append(vec)
	if err != nil {
		return 0, err
	}

	if err := w.LogPrepareInsert(id, int32(level), vec); err != nil {
		return 0, err
	}
	if err := q.index.ApplyInsert(ctx, id, level); err != nil {
		// No commit entry: recovery will not replay this insert. The
		// appended vector stays as an unreferenced store slot until the
		// next snapshot cycle.
		return 0, err
	}
	if err := w.LogCommitInsert(id); err != nil {
		return 0, err
	}
	return id, nil
}

// BatchInsertResult reports the outcome of a batch insert.
// IDs[i] and Errors[i] correspond to vectors[i]; exactly one of them is
// meaningful per item.
type BatchInsertResult struct {
	IDs    []uint64
	Errors []error
}

// Failed returns the number of items that failed.
func (r BatchInsertResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// BatchInsert adds multiple vectors. With WAL enabled the whole batch
// commits with a single fsync, which is considerably faster than calling
// Insert in a loop.
func (q *Quiver) BatchInsert(ctx context.Context, vectors [][]float32) (BatchInsertResult, error) {
	start := time.Now()
	result, err := q.batchInsert(ctx, vectors)
	err = translateError(err)
	failed := result.Failed()
	if err != nil {
		failed = len(vectors)
	}
	q.metrics.RecordBatchInsert(len(vectors), failed, time.Since(start))
	q.logger.LogBatchInsert(ctx, len(vectors), failed)
	return result, err
}

func (q *Quiver) batchInsert(ctx context.Context, vectors [][]float32) (BatchInsertResult, error) {
	result := BatchInsertResult{
		IDs:    make([]uint64, len(vectors)),
		Errors: make([]error, len(vectors)),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return result, ErrClosed
	}

	w := q.WAL()

	// Stage: validate and append to the store first so every item has its
	// ID and level fixed before anything is logged or linked.
	type staged struct {
		item  int
		id    uint64
		level int
		vec   []float32
	}
	stagedItems := make([]staged, 0, len(vectors))
	for i, v := range vectors {
		vec, err := q.index.PrepareVector(v)
		if err != nil {
			result.Errors[i] = translateError(err)
			continue
		}
		id, err := q.index.Store().Append(vec)
		if err != nil {
			result.Errors[i] = translateError(err)
			continue
		}
		stagedItems = append(stagedItems, staged{item: i, id: id, level: q.index.DrawLevel(), vec: vec})
	}

	if w != nil && len(stagedItems) > 0 {
		ids := make([]uint64, len(stagedItems))
		levels := make([]int32, len(stagedItems))
		vecs := make([][]float32, len(stagedItems))
		for i, s := range stagedItems {
			ids[i] = s.id
			levels[i] = int32(s.level)
			vecs[i] = s.vec
		}
		if err := w.LogPrepareBatchInsert(ids, levels, vecs); err != nil {
			return result, err
		}
	}

	committed := make([]uint64, 0, len(stagedItems))
	for _, s := range stagedItems {
		if err := q.index.ApplyInsert(ctx, s.id, s.level); err != nil {
			result.Errors[s.item] = translateError(err)
			continue
		}
		result.IDs[s.item] = s.id
		committed = append(committed, s.id)
	}

	if w != nil && len(committed) > 0 {
		if err := w.LogCommitBatchInsert(committed); err != nil {
			return result, err
		}
	}

	return result, nil
}

// Delete removes a vector by tombstoning it. The point stops appearing in
// search results immediately; its graph edges remain until Vacuum.
// Deleting an unknown ID fails with ErrNotFound; deleting an already
// deleted ID is a no-op.
func (q *Quiver) Delete(ctx context.Context, id uint64) error {
	start := time.Now()
	err := translateError(q.delete(ctx, id))
	q.metrics.RecordDelete(time.Since(start), err)
	q.logger.LogDelete(ctx, id, err)
	return err
}

func (q *Quiver) delete(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	w := q.WAL()
	if w == nil {
		return q.index.Delete(ctx, id)
	}

	if err := w.LogPrepareDelete(id); err != nil {
		return err
	}
	if err := q.index.Delete(ctx, id); err != nil {
		return err
	}
	return w.LogCommitDelete(id)
}

// Vacuum rebuilds the graph without tombstoned points. IDs and levels are
// preserved, so search quality and determinism carry over. This is a
// stop-the-world operation proportional to the live point count.
func (q *Quiver) Vacuum(ctx context.Context) error {
	start := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if err := q.opts.controller.AcquireBackground(ctx); err != nil {
		return translateError(err)
	}
	defer q.opts.controller.ReleaseBackground()

	removed := q.index.Len() - q.index.LiveCount()
	err := translateError(q.index.Vacuum(ctx))
	q.metrics.RecordVacuum(removed, time.Since(start), err)
	q.logger.LogVacuum(ctx, removed, err)
	return err
}

// Stats returns statistics about the underlying index.
func (q *Quiver) Stats() hnsw.Stats {
	return q.index.Stats()
}

// SaveToWriter writes a snapshot of the store and graph to w.
func (q *Quiver) SaveToWriter(ctx context.Context, w io.Writer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	return translateError(q.writeSnapshot(ctx, w))
}

// SaveToFile atomically writes a snapshot to filename.
// The WAL, if any, is not checkpointed; use Checkpoint for the coupled
// snapshot-then-truncate cycle.
func (q *Quiver) SaveToFile(ctx context.Context, filename string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	err := persistence.SaveToFile(filename, func(w io.Writer) error {
		return q.writeSnapshot(ctx, w)
	})
	err = translateError(err)
	q.logger.LogSnapshot(ctx, filename, err)
	return err
}

// Checkpoint saves a snapshot to the configured snapshot path and truncates
// the WAL. Requires a snapshot path (set by Open or WithSnapshotPath).
func (q *Quiver) Checkpoint(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	return q.checkpointLocked(ctx)
}

func (q *Quiver) checkpointLocked(ctx context.Context) error {
	if q.snapshotPath == "" {
		return persistence.ErrNoSnapshotPath
	}

	if err := q.opts.controller.AcquireBackground(ctx); err != nil {
		return translateError(err)
	}
	defer q.opts.controller.ReleaseBackground()

	var err error
	if q.pm != nil {
		err = q.pm.Snapshot(ctx, q.writeSnapshot)
	} else {
		err = persistence.SaveToFile(q.snapshotPath, func(w io.Writer) error {
			return q.writeSnapshot(ctx, w)
		})
	}
	err = translateError(err)
	q.logger.LogSnapshot(ctx, q.snapshotPath, err)
	return err
}

// autoCheckpoint is invoked by the WAL when its auto-checkpoint thresholds
// trip. It runs on the goroutine that committed the triggering operation,
// which already holds q.mu, so it must not lock again.
func (q *Quiver) autoCheckpoint() error {
	if q.snapshotPath == "" {
		// No snapshot path configured; checkpointing is manual.
		return nil
	}
	ctx := context.Background()
	if err := q.pm.Snapshot(ctx, q.writeSnapshot); err != nil {
		return fmt.Errorf("auto-checkpoint: %w", err)
	}
	return nil
}

// Close flushes nothing, closes the WAL, and releases store resources.
// In-memory state is discarded; call Checkpoint first to persist it.
func (q *Quiver) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var firstErr error
	if q.pm != nil {
		if err := q.pm.Close(); err != nil {
			firstErr = err
		}
	}
	if closer, ok := q.index.Store().(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recover restores state from the snapshot and committed WAL entries.
func (q *Quiver) recover(ctx context.Context) error {
	replayed := 0
	counter := &replayCounter{q: q, ctx: ctx, count: &replayed}
	err := q.pm.Recover(ctx, q, counter)
	q.logger.LogRecovery(ctx, replayed, err)
	return err
}

type replayCounter struct {
	q     *Quiver
	ctx   context.Context
	count *int
}

func (rc *replayCounter) ReplayEntry(ctx context.Context, entry wal.Entry) error {
	if err := rc.q.replayEntry(ctx, entry); err != nil {
		return err
	}
	*rc.count++
	return nil
}

// replayEntry applies one committed log entry during recovery. Entries that
// the snapshot already covers are detected and skipped, so replay after a
// checkpoint race is idempotent.
func (q *Quiver) replayEntry(ctx context.Context, entry wal.Entry) error {
	switch entry.Type {
	case wal.OpInsert:
		store := q.index.Store()
		if entry.ID > store.Count() {
			return fmt.Errorf("quiver: replay gap: insert id %d past store count %d", entry.ID, store.Count())
		}
		if entry.ID == store.Count() {
			// Logged vectors are already in stored form; append directly.
			id, err := store.Append(entry.Vector)
			if err != nil {
				return err
			}
			if id != entry.ID {
				return fmt.Errorf("quiver: replay id mismatch: logged %d, assigned %d", entry.ID, id)
			}
		}
		err := q.index.ApplyInsert(ctx, entry.ID, int(entry.Level))
		var dup *hnsw.ErrDuplicateID
		if errors.As(err, &dup) {
			// Already captured by the snapshot.
			return nil
		}
		return err

	case wal.OpDelete:
		err := q.index.Delete(ctx, entry.ID)
		var up *hnsw.ErrUnknownPoint
		if errors.As(err, &up) {
			// Deleted point vacuumed before the snapshot.
			return nil
		}
		return err

	default:
		return fmt.Errorf("quiver: unexpected replay entry type %v", entry.Type)
	}
}

// LoadSnapshot implements persistence.SnapshotLoader.
func (q *Quiver) LoadSnapshot(ctx context.Context, path string) error {
	return persistence.LoadFromFile(path, func(r io.Reader) error {
		return q.readSnapshot(ctx, r)
	})
}

// writeSnapshot writes the container: a fixed header, the vector store dump,
// and the graph snapshot. Both payload sections carry their own checksums.
func (q *Quiver) writeSnapshot(ctx context.Context, w io.Writer) error {
	if q.opts.controller != nil {
		w = resource.NewRateLimitedWriter(ctx, w, q.opts.controller)
	}

	var hdr [16]byte
	copy(hdr[0:4], containerMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], containerVersion)
	// hdr[8:16] reserved
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	if err := q.writeStoreDump(ctx, w); err != nil {
		return err
	}
	return q.index.WriteSnapshot(ctx, w)
}

func (q *Quiver) readSnapshot(ctx context.Context, r io.Reader) error {
	if q.opts.controller != nil {
		r = resource.NewRateLimitedReader(ctx, r, q.opts.controller)
	}
	br := bufio.NewReader(r)

	var hdr [16]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return &ErrCorruptSnapshot{Reason: "short container header", cause: err}
	}
	if [4]byte(hdr[0:4]) != containerMagic {
		return &ErrCorruptSnapshot{Reason: "bad container magic"}
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != containerVersion {
		return &ErrUnsupportedVersion{Version: v, Supported: containerVersion}
	}

	store, err := q.readStoreDump(br)
	if err != nil {
		return err
	}

	optFns := append([]func(*hnsw.Options){}, q.opts.indexOptions...)
	optFns = append(optFns, func(o *hnsw.Options) {
		o.Metric = q.opts.metric
		o.Store = store
	})
	idx, err := hnsw.Load(ctx, br, optFns...)
	if err != nil {
		return err
	}

	q.index = idx
	q.opts.dimension = idx.Dimension()
	return nil
}

// writeStoreDump serializes the vector store generically: dimension, count,
// raw float32 data in ID order, CRC32 trailer. Store-agnostic, so a snapshot
// taken over one store implementation can be loaded into another.
func (q *Quiver) writeStoreDump(ctx context.Context, w io.Writer) error {
	store := q.index.Store()
	count := store.Count()
	dim := store.Dimension()

	cw := persistence.NewChecksumWriter(w)

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(dim))
	binary.LittleEndian.PutUint64(hdr[4:12], count)
	if _, err := cw.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, dim*4)
	for id := uint64(0); id < count; id++ {
		if id%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		vec, err := store.Resolve(id)
		if err != nil {
			return fmt.Errorf("quiver: dump store id %d: %w", id, err)
		}
		for i, f := range vec {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		if _, err := cw.Write(buf); err != nil {
			return err
		}
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], cw.Sum())
	_, err := w.Write(trailer[:])
	return err
}

func (q *Quiver) readStoreDump(r io.Reader) (vectorstore.Store, error) {
	cr := persistence.NewChecksumReader(r)

	var hdr [12]byte
	if _, err := io.ReadFull(cr, hdr[:]); err != nil {
		return nil, &ErrCorruptSnapshot{Reason: "short store header", cause: err}
	}
	dim := int(binary.LittleEndian.Uint32(hdr[0:4]))
	count := binary.LittleEndian.Uint64(hdr[4:12])
	if dim <= 0 {
		return nil, &ErrCorruptSnapshot{Reason: fmt.Sprintf("invalid store dimension %d", dim)}
	}

	store := q.opts.store
	if store == nil {
		s, err := columnar.New(dim, func(o *columnar.Options) {
			o.Controller = q.opts.controller
			if count > 0 {
				o.InitialCapacity = int(count)
			}
		})
		if err != nil {
			return nil, err
		}
		store = s
	} else if store.Dimension() != dim {
		return nil, &ErrDimensionMismatch{Expected: store.Dimension(), Actual: dim}
	}

	buf := make([]byte, dim*4)
	vec := make([]float32, dim)
	for id := uint64(0); id < count; id++ {
		if _, err := io.ReadFull(cr, buf); err != nil {
			return nil, &ErrCorruptSnapshot{Reason: "short store data", cause: err}
		}
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}

		// A durable store (e.g. sqlite) may already hold a prefix of the
		// dump; only the missing tail is appended.
		if id < store.Count() {
			continue
		}
		assigned, err := store.Append(vec)
		if err != nil {
			return nil, err
		}
		if assigned != id {
			return nil, &ErrCorruptSnapshot{Reason: fmt.Sprintf("store id mismatch: want %d, got %d", id, assigned)}
		}
	}

	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, &ErrCorruptSnapshot{Reason: "missing store checksum", cause: err}
	}
	if err := cr.Verify(binary.LittleEndian.Uint32(trailer[:])); err != nil {
		return nil, &ErrCorruptSnapshot{Reason: "store checksum mismatch", cause: err}
	}

	return store, nil
}
