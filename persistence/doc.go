// Package persistence coordinates snapshots, write-ahead logging, and
// recovery.
//
// Snapshots are written atomically: data goes to a temp file in the target
// directory, is fsynced, and is renamed over the destination, so a crash
// mid-save never leaves a partial snapshot behind. The Manager ties snapshot
// saves to WAL checkpoints and drives recovery (snapshot load followed by
// replay of committed WAL entries).
package persistence
