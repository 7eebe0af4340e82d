package wal

import "time"

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes, but committed
	// operations may be lost if the process crashes before the OS flushes.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync across concurrent commits,
	// amortizing the cost. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs on every commit. Slowest but strongest guarantee.
	DurabilitySync
)

// OperationType represents the type of operation in the WAL.
type OperationType uint8

const (
	// OpInsert is the logical insert operation emitted during replay.
	// It never appears on disk.
	OpInsert OperationType = iota
	// OpDelete is the logical delete operation emitted during replay.
	// It never appears on disk.
	OpDelete
	// OpCheckpoint marks a point up to which state has been snapshotted.
	OpCheckpoint

	// Prepare/Commit protocol: a Prepare entry records the intended
	// mutation, a Commit entry marks it as applied. Recovery replays only
	// operations with a matching commit, so a crash between the two leaves
	// no partial state behind.

	// OpPrepareInsert records an intended insert with its payload.
	OpPrepareInsert
	// OpPrepareDelete records an intended delete.
	OpPrepareDelete
	// OpCommitInsert marks a prepared insert as applied.
	OpCommitInsert
	// OpCommitDelete marks a prepared delete as applied.
	OpCommitDelete
)

// Entry represents a single entry in the WAL.
type Entry struct {
	Type   OperationType
	ID     uint64
	Level  int32 // graph level assigned at insert time; -1 when absent
	Vector []float32
	SeqNum uint64
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Compress enables zstd compression of the entry stream.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22).
	// The default (3) balances ratio and write speed.
	CompressionLevel int

	// AutoCheckpointOps triggers an automatic checkpoint after N committed
	// operations. Zero disables operation-based checkpoints.
	AutoCheckpointOps int

	// AutoCheckpointMB triggers an automatic checkpoint when the WAL file
	// exceeds N megabytes. Zero disables size-based checkpoints.
	AutoCheckpointMB int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time a commit waits for a batched
	// fsync in GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum number of commits batched before an
	// immediate fsync in GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	Compress:            false,
	CompressionLevel:    3,
	AutoCheckpointOps:   10000,
	AutoCheckpointMB:    100,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
