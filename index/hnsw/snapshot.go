package hnsw

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/pierrec/lz4/v4"

	"github.com/quivertech/quiver/distance"
)

// Snapshot container, little endian throughout:
//
//	header  magic "QVSN", version, dimension, metric, flags, M, M0,
//	        efConstruction, point count, entry point ID, max level
//	body    per point: external ID, level, per-layer adjacency (count + IDs);
//	        then the serialized tombstone bitmap (length-prefixed)
//	trailer CRC32 (IEEE) over header and body
//
// The body carries graph topology only; vector payloads are the store's
// concern. With the compression flag set the body is a single lz4 frame and
// the CRC covers the compressed bytes.
const (
	snapshotVersion   = uint32(1)
	snapshotHeaderLen = 48

	snapshotFlagLZ4 = uint8(1 << 0)
)

var snapshotMagic = [4]byte{'Q', 'V', 'S', 'N'}

// SnapshotOptions configures WriteSnapshot.
type SnapshotOptions struct {
	// Compress writes the body as an lz4 frame.
	Compress bool
}

// WriteSnapshot serializes the graph topology and index metadata to w.
//
// The index is locked exclusively for the duration: a snapshot is a
// consistent cut, never interleaved with mutation. Writing the same
// unmodified index twice produces byte-identical output.
func (h *Index) WriteSnapshot(ctx context.Context, w io.Writer, optFns ...func(o *SnapshotOptions)) error {
	var opts SnapshotOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	g := h.graph

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	var flags uint8
	if opts.Compress {
		flags |= snapshotFlagLZ4
	}

	var entryID uint64
	var maxLevel uint32
	if slot, level, ok := g.entryState(); ok {
		entryID = g.nodes[slot].id
		maxLevel = uint32(level)
	}

	hdr := make([]byte, snapshotHeaderLen)
	copy(hdr[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(h.dim))
	hdr[12] = uint8(h.metric)
	hdr[13] = flags
	// hdr[14:16] reserved
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(h.m))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(h.m0))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(h.efConstruction))
	binary.LittleEndian.PutUint64(hdr[28:36], uint64(len(g.nodes)))
	binary.LittleEndian.PutUint64(hdr[36:44], entryID)
	binary.LittleEndian.PutUint32(hdr[44:48], maxLevel)
	if _, err := mw.Write(hdr); err != nil {
		return err
	}

	var bw io.Writer = mw
	var lzw *lz4.Writer
	if opts.Compress {
		lzw = lz4.NewWriter(mw)
		bw = lzw
	}

	if err := writeSnapshotBody(ctx, bw, g); err != nil {
		return err
	}
	if lzw != nil {
		if err := lzw.Close(); err != nil {
			return err
		}
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	_, err := w.Write(trailer[:])
	return err
}

func writeSnapshotBody(ctx context.Context, w io.Writer, g *graph) error {
	var scratch [8]byte

	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, err := w.Write(scratch[:4])
		return err
	}
	writeU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, err := w.Write(scratch[:])
		return err
	}

	// Point records in slot order. Slot order survives a load (slots are
	// assigned in record order), which is what makes save-load-save
	// byte-identical.
	for slot := range g.nodes {
		if slot%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		n := &g.nodes[slot]
		if err := writeU64(n.id); err != nil {
			return err
		}
		if err := writeU32(uint32(n.level)); err != nil {
			return err
		}
		for layer := 0; layer <= int(n.level); layer++ {
			list := n.layers[layer]
			if err := writeU32(uint32(len(list))); err != nil {
				return err
			}
			for _, neighbor := range list {
				if err := writeU64(g.nodes[neighbor].id); err != nil {
					return err
				}
			}
		}
	}

	var tombs bytes.Buffer
	if _, err := g.tombstones.WriteTo(&tombs); err != nil {
		return err
	}
	if err := writeU32(uint32(tombs.Len())); err != nil {
		return err
	}
	_, err := w.Write(tombs.Bytes())
	return err
}

// Load reads a snapshot and reconstructs the index it describes.
//
// Dimension, metric, M, and efConstruction come from the header; optFns
// supply the rest (store, search EF, seed). Validation order: magic and
// version, checksum over the full container, body structure, then adapter
// resolution for every referenced ID. Any failure rejects the load wholesale
// with no partial graph constructed.
func Load(ctx context.Context, r io.Reader, optFns ...func(o *Options)) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ErrCorruptSnapshot{Reason: "unreadable snapshot", cause: err}
	}
	if len(data) < snapshotHeaderLen+4 {
		return nil, &ErrCorruptSnapshot{Reason: "snapshot shorter than header"}
	}
	if [4]byte(data[0:4]) != snapshotMagic {
		return nil, &ErrCorruptSnapshot{Reason: "bad magic"}
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != snapshotVersion {
		return nil, &ErrUnsupportedVersion{Version: v, Supported: snapshotVersion}
	}

	// Integrity first: nothing past this point trusts the payload until the
	// checksum over header and body holds.
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != stored {
		return nil, &ErrCorruptSnapshot{Reason: "checksum mismatch"}
	}

	hdr := data[:snapshotHeaderLen]
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	metric := hdr[12]
	flags := hdr[13]
	m := int(binary.LittleEndian.Uint32(hdr[16:20]))
	m0 := int(binary.LittleEndian.Uint32(hdr[20:24]))
	efConstruction := int(binary.LittleEndian.Uint32(hdr[24:28]))
	count := binary.LittleEndian.Uint64(hdr[28:36])
	entryID := binary.LittleEndian.Uint64(hdr[36:44])
	maxLevel := int(binary.LittleEndian.Uint32(hdr[44:48]))

	if m0 != layer0Multiplier*m {
		return nil, &ErrCorruptSnapshot{Reason: "inconsistent degree caps"}
	}
	if metric > uint8(distance.MetricDot) {
		return nil, &ErrCorruptSnapshot{Reason: "unknown metric code"}
	}

	h, err := New(func(o *Options) {
		for _, fn := range optFns {
			fn(o)
		}
		o.Dimension = dim
		o.M = m
		o.EFConstruction = efConstruction
		o.Metric = distance.Metric(metric)
	})
	if err != nil {
		return nil, err
	}

	body := data[snapshotHeaderLen : len(data)-4]
	if flags&snapshotFlagLZ4 != 0 {
		body, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, &ErrCorruptSnapshot{Reason: "undecodable lz4 body", cause: err}
		}
	}

	g, err := parseSnapshotBody(ctx, body, count, entryID, maxLevel, h)
	if err != nil {
		return nil, err
	}

	// Referential integrity against the adapter before the graph is
	// published: every point must resolve to a vector of the right shape.
	for slot := range g.nodes {
		if slot%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		vec, err := h.resolveID(g.nodes[slot].id)
		if err != nil {
			return nil, err
		}
		if len(vec) != h.dim {
			return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: len(vec)}
		}
	}

	h.graph = g
	return h, nil
}

func parseSnapshotBody(ctx context.Context, body []byte, count, entryID uint64, maxLevel int, h *Index) (*graph, error) {
	br := &snapshotReader{data: body}

	g := newGraph()

	// First pass: records with neighbor lists still in external IDs.
	type record struct {
		level  int
		layers [][]uint64
	}
	records := make([]record, 0, count)

	for i := uint64(0); i < count; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		id, err := br.u64()
		if err != nil {
			return nil, err
		}
		levelU, err := br.u32()
		if err != nil {
			return nil, err
		}
		level := int(levelU)
		if level > maxAssignableLevel || level > maxLevel {
			return nil, &ErrCorruptSnapshot{Reason: "point level out of range"}
		}
		if _, dup := g.slotOf(id); dup {
			return nil, &ErrCorruptSnapshot{Reason: "duplicate point id"}
		}

		rec := record{level: level, layers: make([][]uint64, level+1)}
		for layer := 0; layer <= level; layer++ {
			n, err := br.u32()
			if err != nil {
				return nil, err
			}
			if int(n) > h.layerCap(layer) {
				return nil, &ErrCorruptSnapshot{Reason: "adjacency list over degree cap"}
			}
			list := make([]uint64, n)
			for j := range list {
				if list[j], err = br.u64(); err != nil {
					return nil, err
				}
			}
			rec.layers[layer] = list
		}
		records = append(records, rec)
		g.addNode(id, level)
	}

	// Second pass: translate neighbor IDs to slots.
	for slot, rec := range records {
		for layer, list := range rec.layers {
			slots := make([]uint32, len(list))
			for j, id := range list {
				target, ok := g.slotOf(id)
				if !ok {
					return nil, &ErrCorruptSnapshot{Reason: "edge references unknown point"}
				}
				if target == uint32(slot) {
					return nil, &ErrCorruptSnapshot{Reason: "self-loop edge"}
				}
				slots[j] = target
			}
			g.nodes[slot].layers[layer] = slots
		}
	}

	// Tombstone set.
	tombLen, err := br.u32()
	if err != nil {
		return nil, err
	}
	tombBytes, err := br.take(int(tombLen))
	if err != nil {
		return nil, err
	}
	if tombLen > 0 {
		tombs := roaring64.New()
		if _, err := tombs.ReadFrom(bytes.NewReader(tombBytes)); err != nil {
			return nil, &ErrCorruptSnapshot{Reason: "undecodable tombstone set", cause: err}
		}
		it := tombs.Iterator()
		for it.HasNext() {
			if _, ok := g.slotOf(it.Next()); !ok {
				return nil, &ErrCorruptSnapshot{Reason: "tombstone references unknown point"}
			}
		}
		g.tombstones = tombs
	}

	if br.len() != 0 {
		return nil, &ErrCorruptSnapshot{Reason: "trailing bytes in body"}
	}

	// Entry point.
	if count > 0 {
		slot, ok := g.slotOf(entryID)
		if !ok {
			return nil, &ErrCorruptSnapshot{Reason: "entry point references unknown point"}
		}
		if int(g.nodes[slot].level) != maxLevel {
			return nil, &ErrCorruptSnapshot{Reason: "entry point level disagrees with max level"}
		}
		g.setEntry(slot, maxLevel)
	}

	return g, nil
}

// snapshotReader is a bounds-checked cursor over the decoded body.
type snapshotReader struct {
	data []byte
	off  int
}

func (r *snapshotReader) len() int { return len(r.data) - r.off }

func (r *snapshotReader) take(n int) ([]byte, error) {
	if r.len() < n {
		return nil, &ErrCorruptSnapshot{Reason: "truncated body"}
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *snapshotReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *snapshotReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
