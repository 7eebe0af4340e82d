// Package wal provides write-ahead logging for durability and crash recovery.
//
// Insert and delete operations are persisted before they are acknowledged,
// using a prepare/commit protocol so recovery applies only completed
// operations. Each record carries its own CRC32 so a torn tail after a crash
// is detected and discarded instead of being replayed.
//
// Features:
//   - Prepare/commit logging for inserts and deletes
//   - Batch insert logging with a single fsync
//   - Configurable durability (async, group commit, sync)
//   - Checkpoint support for log truncation after snapshots
//   - Optional zstd compression of the entry stream
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer     // compressed or direct
	bufWriter        *bufio.Writer // buffered writer for performance
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	seqNum           uint64
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64  // start of entry stream (after header)
	scratch          []byte // reused encode buffer, guarded by mu

	// Auto-checkpoint tracking
	autoCheckpointOps int
	autoCheckpointMB  int
	committedOps      int
	checkpointFunc    func() error

	// Group commit worker lifecycle
	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int // operations since last fsync
	groupCommitWg       sync.WaitGroup

	syncCond        *sync.Cond // blocks commits until their seqNum is persisted
	persistedSeqNum uint64
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// New creates a new WAL instance.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, "quiver.wal")

	// Open or create the WAL file; seeks are managed explicitly.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		compressionLevel:    opts.CompressionLevel,
		autoCheckpointOps:   opts.AutoCheckpointOps,
		autoCheckpointMB:    opts.AutoCheckpointMB,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if err := w.initializeFile(st, opts); err != nil {
		_ = file.Close()
		return nil, err
	}

	// Position at the start of the entry stream before initializing codecs.
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		w.decompressor = decompressor
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
		w.writer = w.bufWriter
	}

	// Read existing entries to determine the next sequence number.
	if err := w.scanForSeqNum(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initializeFile(info os.FileInfo, opts Options) error {
	if info.Size() == 0 {
		return w.writeNewHeader(opts)
	}
	return w.readExistingHeader()
}

func (w *WAL) writeNewHeader(opts Options) error {
	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	w.dataOffset = hdrLen
	w.compressed = opts.Compress
	return nil
}

func (w *WAL) readExistingHeader() error {
	hdrInfo, valid, err := readWALHeader(w.file)
	if err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid WAL header")
	}
	w.dataOffset = hdrInfo.HeaderLen
	w.compressed = hdrInfo.Compressed
	w.compressionLevel = hdrInfo.CompressionLevel
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold w.mu.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return w.file.Sync()

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seqNum

		if w.groupCommitPending >= w.groupCommitMaxOps {
			if err := w.doGroupCommit(); err != nil {
				return err
			}
		} else {
			// Wait() releases w.mu, letting the background worker (or
			// another writer) perform the sync.
			for w.persistedSeqNum < targetSeq {
				w.syncCond.Wait()
			}
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes waiting commits.
// Caller must hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return err
	}

	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	if w.groupCommitTicker == nil {
		return
	}

	for {
		select {
		case <-w.groupCommitStopCh:
			// Final fsync before shutdown
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// scanForSeqNum scans the WAL to find the highest sequence number.
func (w *WAL) scanForSeqNum() error {
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		return err
	}

	var reader io.Reader
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = w.decompressor
	} else {
		reader = w.file
	}

	var maxSeqNum uint64

	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			// A torn tail ends the usable stream; new entries append after it.
			break
		}
		if entry.SeqNum > maxSeqNum {
			maxSeqNum = entry.SeqNum
		}
	}

	w.seqNum = maxSeqNum

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}

	return nil
}

// LogInsert logs an insert operation as a prepare/commit pair.
func (w *WAL) LogInsert(id uint64, level int32, vector []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	prepare := Entry{Type: OpPrepareInsert, ID: id, Level: level, Vector: vector, SeqNum: w.seqNum}
	if err := w.encodeEntry(&prepare); err != nil {
		return fmt.Errorf("failed to encode WAL prepare entry: %w", err)
	}

	w.seqNum++
	commit := Entry{Type: OpCommitInsert, ID: id, SeqNum: w.seqNum}
	if err := w.encodeEntry(&commit); err != nil {
		return fmt.Errorf("failed to encode WAL commit entry: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps++
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// LogDelete logs a delete operation as a prepare/commit pair.
func (w *WAL) LogDelete(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	prepare := Entry{Type: OpPrepareDelete, ID: id, SeqNum: w.seqNum}
	if err := w.encodeEntry(&prepare); err != nil {
		return fmt.Errorf("failed to encode WAL prepare entry: %w", err)
	}

	w.seqNum++
	commit := Entry{Type: OpCommitDelete, ID: id, SeqNum: w.seqNum}
	if err := w.encodeEntry(&commit); err != nil {
		return fmt.Errorf("failed to encode WAL commit entry: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps++
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// LogPrepareInsert writes a prepare entry for an insert.
// Prepare entries are not durability boundaries; commit entries are.
func (w *WAL) LogPrepareInsert(id uint64, level int32, vector []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: OpPrepareInsert, ID: id, Level: level, Vector: vector, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	return nil
}

// LogCommitInsert writes a commit entry for an insert and flushes the WAL.
func (w *WAL) LogCommitInsert(id uint64) error {
	return w.logCommit(OpCommitInsert, id)
}

// LogPrepareDelete writes a prepare entry for a delete.
func (w *WAL) LogPrepareDelete(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: OpPrepareDelete, ID: id, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	return nil
}

// LogCommitDelete writes a commit entry for a delete and flushes the WAL.
func (w *WAL) LogCommitDelete(id uint64) error {
	return w.logCommit(OpCommitDelete, id)
}

func (w *WAL) logCommit(commitType OperationType, id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{Type: commitType, ID: id, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps++
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// LogPrepareBatchInsert writes prepare entries for a batch insert.
// The ids, levels, and vectors slices must have equal length.
func (w *WAL) LogPrepareBatchInsert(ids []uint64, levels []int32, vectors [][]float32) error {
	if len(ids) != len(levels) || len(ids) != len(vectors) {
		return fmt.Errorf("wal: batch slice length mismatch: %d ids, %d levels, %d vectors",
			len(ids), len(levels), len(vectors))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range ids {
		w.seqNum++
		entry := Entry{Type: OpPrepareInsert, ID: ids[i], Level: levels[i], Vector: vectors[i], SeqNum: w.seqNum}
		if err := w.encodeEntry(&entry); err != nil {
			return fmt.Errorf("failed to encode WAL entry %d: %w", i, err)
		}
	}
	return nil
}

// LogCommitBatchInsert writes commit entries for a batch insert and fsyncs once.
func (w *WAL) LogCommitBatchInsert(ids []uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range ids {
		w.seqNum++
		entry := Entry{Type: OpCommitInsert, ID: ids[i], SeqNum: w.seqNum}
		if err := w.encodeEntry(&entry); err != nil {
			return fmt.Errorf("failed to encode WAL entry %d: %w", i, err)
		}
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps += len(ids)
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// LogBatchInsert logs multiple inserts with a single flush and fsync.
// The ids, levels, and vectors slices must have equal length.
func (w *WAL) LogBatchInsert(ids []uint64, levels []int32, vectors [][]float32) error {
	if len(ids) != len(levels) || len(ids) != len(vectors) {
		return fmt.Errorf("wal: batch slice length mismatch: %d ids, %d levels, %d vectors",
			len(ids), len(levels), len(vectors))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range ids {
		w.seqNum++
		entry := Entry{Type: OpPrepareInsert, ID: ids[i], Level: levels[i], Vector: vectors[i], SeqNum: w.seqNum}
		if err := w.encodeEntry(&entry); err != nil {
			return fmt.Errorf("failed to encode WAL prepare entry %d: %w", i, err)
		}
	}

	for i := range ids {
		w.seqNum++
		entry := Entry{Type: OpCommitInsert, ID: ids[i], SeqNum: w.seqNum}
		if err := w.encodeEntry(&entry); err != nil {
			return fmt.Errorf("failed to encode WAL commit entry %d: %w", i, err)
		}
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.committedOps += len(ids)
	if err := w.syncCommitLocked(); err != nil {
		return err
	}
	return w.maybeCheckpointLocked()
}

// Checkpoint writes a checkpoint marker and truncates the WAL.
// This should be called after a successful snapshot.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++
	entry := Entry{
		Type:   OpCheckpoint,
		SeqNum: w.seqNum,
	}

	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := w.flushLocked(); err != nil {
		return err
	}

	// Checkpoint is an explicit durability boundary.
	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.truncate()
}

// truncate truncates the WAL file (called after checkpoint).
func (w *WAL) truncate() error {
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}

	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}

	w.file = file

	// Always write a self-describing header after truncation.
	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
	})
	if err != nil {
		_ = w.file.Close()
		return err
	}
	w.dataOffset = hdrLen
	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to recreate compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
		w.writer = w.bufWriter
	} else {
		w.bufWriter = bufio.NewWriter(file)
		w.writer = w.bufWriter
	}

	w.seqNum = 0
	w.persistedSeqNum = 0

	return nil
}

// Close closes the WAL file gracefully.
//
// It stops the group commit worker (if running), performs a final fsync, and
// closes the file. After Close returns, the WAL is no longer usable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Idempotent
	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}

	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}

	if w.decompressor != nil {
		w.decompressor.Close()
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// Len returns the number of entries in the WAL (approximate, for testing).
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	currentPos, err := w.file.Seek(0, 1)
	if err != nil {
		return 0, err
	}

	if _, err := w.file.Seek(w.dataOffset, 0); err != nil {
		return 0, err
	}

	var reader io.Reader
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return 0, fmt.Errorf("failed to reset decompressor: %w", err)
		}
		reader = w.decompressor
	} else {
		reader = bufio.NewReader(w.file)
	}

	count := 0

	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			break
		}
		count++
	}

	if _, err := w.file.Seek(currentPos, 0); err != nil {
		return count, err
	}

	return count, nil
}

// SetCheckpointCallback sets the function invoked when an auto-checkpoint
// threshold is reached. The callback typically saves a snapshot and then
// calls Checkpoint.
func (w *WAL) SetCheckpointCallback(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointFunc = fn
}

// maybeCheckpointLocked checks auto-checkpoint thresholds.
// Must be called with w.mu held.
func (w *WAL) maybeCheckpointLocked() error {
	if w.autoCheckpointOps > 0 && w.committedOps >= w.autoCheckpointOps {
		return w.triggerAutoCheckpointLocked()
	}

	if w.autoCheckpointMB > 0 {
		stat, err := w.file.Stat()
		if err == nil {
			sizeMB := stat.Size() / (1024 * 1024)
			if sizeMB >= int64(w.autoCheckpointMB) {
				return w.triggerAutoCheckpointLocked()
			}
		}
	}

	return nil
}

// triggerAutoCheckpointLocked executes the checkpoint callback.
// Must be called with w.mu held.
func (w *WAL) triggerAutoCheckpointLocked() error {
	if w.checkpointFunc == nil {
		return nil
	}

	w.committedOps = 0

	// Release the lock before calling the callback; it may re-enter the WAL.
	w.mu.Unlock()
	err := w.checkpointFunc()
	w.mu.Lock()

	return err
}
