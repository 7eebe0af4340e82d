package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unsafe"
)

// Each on-disk record is framed as [payloadLen:4][crc32:4][payload], where the
// CRC covers the payload only. Payload layout:
//
//	[Type:1][SeqNum:8][ID:8]                                  (all types)
//	[Level:4][VectorLen:4][Vector:N*4]                        (OpPrepareInsert)
//
// A record whose frame is truncated or whose CRC does not match is a torn
// record: it marks the end of the usable entry stream.

// errTornEntry reports a record that was only partially written or whose
// checksum does not match. Replay treats it as end-of-log.
var errTornEntry = errors.New("wal: torn entry")

// maxEntryPayload bounds a single record payload. A frame length beyond this
// is treated as corruption rather than an allocation request.
const maxEntryPayload = 64 << 20

// encodeEntry writes a framed entry to the WAL writer.
func (w *WAL) encodeEntry(entry *Entry) error {
	if entry.Type == OpInsert || entry.Type == OpDelete {
		return fmt.Errorf("unsupported on-disk WAL entry type: %v", entry.Type)
	}

	payloadLen := 1 + 8 + 8
	if entry.Type == OpPrepareInsert {
		payloadLen += 4 + 4 + len(entry.Vector)*4
	}
	if payloadLen > maxEntryPayload {
		return fmt.Errorf("wal: entry payload too large: %d bytes", payloadLen)
	}

	w.scratch = w.scratch[:0]
	w.scratch = append(w.scratch, byte(entry.Type))
	w.scratch = binary.LittleEndian.AppendUint64(w.scratch, entry.SeqNum)
	w.scratch = binary.LittleEndian.AppendUint64(w.scratch, entry.ID)
	if entry.Type == OpPrepareInsert {
		w.scratch = binary.LittleEndian.AppendUint32(w.scratch, uint32(entry.Level))
		w.scratch = binary.LittleEndian.AppendUint32(w.scratch, uint32(len(entry.Vector)))
		if len(entry.Vector) > 0 {
			vecBytes := unsafe.Slice((*byte)(unsafe.Pointer(&entry.Vector[0])), len(entry.Vector)*4)
			w.scratch = append(w.scratch, vecBytes...)
		}
	}

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(w.scratch)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(w.scratch))
	if _, err := w.writer.Write(frame[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(w.scratch); err != nil {
		return err
	}
	return nil
}

// decodeEntry reads one framed entry. It returns io.EOF at a clean end of the
// stream and errTornEntry when the tail record is incomplete or fails its
// checksum.
func (w *WAL) decodeEntry(reader io.Reader, entry *Entry) error {
	var frame [8]byte
	if _, err := io.ReadFull(reader, frame[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errTornEntry
		}
		return err
	}

	payloadLen := binary.LittleEndian.Uint32(frame[0:4])
	expectedCRC := binary.LittleEndian.Uint32(frame[4:8])
	if payloadLen < 17 || payloadLen > maxEntryPayload {
		return fmt.Errorf("%w: implausible payload length %d", errTornEntry, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return errTornEntry
		}
		return err
	}
	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return fmt.Errorf("%w: checksum mismatch", errTornEntry)
	}

	entry.Type = OperationType(payload[0])
	entry.SeqNum = binary.LittleEndian.Uint64(payload[1:9])
	entry.ID = binary.LittleEndian.Uint64(payload[9:17])
	entry.Level = -1
	entry.Vector = nil

	if entry.Type == OpInsert || entry.Type == OpDelete {
		return fmt.Errorf("unsupported WAL entry type on disk: %v", entry.Type)
	}

	if entry.Type == OpPrepareInsert {
		if len(payload) < 25 {
			return fmt.Errorf("%w: prepare insert payload truncated", errTornEntry)
		}
		entry.Level = int32(binary.LittleEndian.Uint32(payload[17:21]))
		vectorLen := binary.LittleEndian.Uint32(payload[21:25])
		if uint32(len(payload)-25) != vectorLen*4 {
			return fmt.Errorf("%w: vector length mismatch", errTornEntry)
		}
		if vectorLen > 0 {
			entry.Vector = make([]float32, vectorLen)
			vecBytes := unsafe.Slice((*byte)(unsafe.Pointer(&entry.Vector[0])), vectorLen*4)
			copy(vecBytes, payload[25:])
		}
	}

	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

func (w *WAL) syncCommitLocked() error {
	// Commit is the durability boundary; whether it fsyncs depends on the
	// configured durability mode.
	return w.syncIfNeeded()
}
