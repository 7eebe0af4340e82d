package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ReplayCommitted replays only committed operations.
//
// Prepared entries without a matching commit are skipped: they belong to
// operations that were still in flight when the process stopped. Replay ends
// at a checkpoint marker, at clean EOF, or at the first torn record (a
// partially written or checksum-failing tail left by a crash).
//
// The callback receives logical OpInsert and OpDelete entries.
func (w *WAL) ReplayCommitted(callback func(entry Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

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
		reader = bufio.NewReader(w.file)
	}

	pendingInsert := map[uint64]Entry{}
	pendingDelete := map[uint64]struct{}{}

	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errTornEntry) {
				break
			}
			return fmt.Errorf("WAL corrupted at entry: %w", err)
		}

		if entry.Type == OpCheckpoint {
			break
		}

		switch entry.Type {
		case OpPrepareInsert:
			pendingInsert[entry.ID] = entry
		case OpPrepareDelete:
			pendingDelete[entry.ID] = struct{}{}
		case OpCommitInsert:
			if prepared, ok := pendingInsert[entry.ID]; ok {
				prepared.Type = OpInsert
				prepared.SeqNum = entry.SeqNum
				if err := callback(prepared); err != nil {
					return fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
				}
				delete(pendingInsert, entry.ID)
			}
		case OpCommitDelete:
			if _, ok := pendingDelete[entry.ID]; ok {
				applied := Entry{Type: OpDelete, ID: entry.ID, Level: -1, SeqNum: entry.SeqNum}
				if err := callback(applied); err != nil {
					return fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
				}
				delete(pendingDelete, entry.ID)
			}
		}
	}

	// Seek back to end for appending
	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}

	return nil
}

// Replay replays all entries in the WAL, including uncommitted prepares.
// Intended for inspection and testing; recovery should use ReplayCommitted.
func (w *WAL) Replay(callback func(entry Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

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
		reader = bufio.NewReader(w.file)
	}

	for {
		var entry Entry
		if err := w.decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errTornEntry) {
				break
			}
			return fmt.Errorf("WAL corrupted at entry: %w", err)
		}

		if entry.Type == OpCheckpoint {
			break
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
		}
	}

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}

	return nil
}
