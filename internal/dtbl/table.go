package dtbl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Table reads one immutable table file. The index and filter are held
// in memory; data blocks are fetched per lookup. A Table is safe for
// concurrent use.
type Table struct {
	r    io.ReaderAt
	size int64
	opts ReadOptions
	io   *IoCounters

	index  []indexEntry
	filter []byte // nil when the table has no filter

	zonce sync.Once
	zdec  *zstd.Decoder
	zerr  error
}

// OpenTable reads the footer, index, and filter of a table file of
// the given size. Counters may be shared and may be nil.
func OpenTable(r io.ReaderAt, size int64, opts ReadOptions, counters *IoCounters) (*Table, error) {
	if size < footerSize {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorruption, size)
	}
	t := &Table{r: r, size: size, opts: opts, io: counters}

	footer := make([]byte, footerSize)
	if _, err := r.ReadAt(footer, size-footerSize); err != nil {
		return nil, fmt.Errorf("dtbl: read footer: %w", err)
	}
	t.countIndexRead(footerSize)
	if string(footer[40:48]) != tableMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruption)
	}
	if v := binary.LittleEndian.Uint32(footer[36:40]); v != tableVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruption, v)
	}
	filterHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[0:8]),
		Size:   binary.LittleEndian.Uint64(footer[8:16]),
	}
	indexHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[16:24]),
		Size:   binary.LittleEndian.Uint64(footer[24:32]),
	}
	flags := footer[32]

	indexPayload, err := t.readBlock(indexHandle, false)
	if err != nil {
		return nil, fmt.Errorf("dtbl: read index: %w", err)
	}
	if err := t.decodeIndex(indexPayload); err != nil {
		return nil, err
	}

	if flags&footerFlagHasFilter != 0 {
		filter, err := t.readBlock(filterHandle, false)
		if err != nil {
			return nil, fmt.Errorf("dtbl: read filter: %w", err)
		}
		t.filter = filter
	}
	return t, nil
}

func (t *Table) decodeIndex(payload []byte) error {
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		klen, err := binary.ReadUvarint(r)
		if err != nil || klen > uint64(r.Len()) {
			return fmt.Errorf("%w: index entry", ErrCorruption)
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return fmt.Errorf("%w: index entry key", ErrCorruption)
		}
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: index entry offset", ErrCorruption)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: index entry size", ErrCorruption)
		}
		t.index = append(t.index, indexEntry{
			firstKey: key,
			handle:   BlockHandle{Offset: offset, Size: size},
		})
	}
	return nil
}

// MayContain consults the filter without touching the file. Tables
// without a filter always report true.
func (t *Table) MayContain(key []byte) bool {
	if t.filter == nil {
		return true
	}
	return filterMayContain(t.filter, key)
}

// NumBlocks reports the number of data blocks.
func (t *Table) NumBlocks() int {
	return len(t.index)
}

// AppendAll appends to dst, in stored order, every value whose key
// equals the query key, and returns the extended slice. A key that is
// not present leaves dst unchanged.
func (t *Table) AppendAll(key []byte, dst []byte) ([]byte, error) {
	// The candidate run starts one block before the first whose first
	// key is >= key (that block's interior may hold the key) and
	// continues through every block whose first key equals it.
	n := len(t.index)
	if n == 0 {
		return dst, nil
	}
	lb := n
	lo, hi := 0, n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.index[mid].firstKey, key) >= 0 {
			lb = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	start := lb
	if start > 0 {
		start--
	}

	for i := start; i < n; i++ {
		if i > start && bytes.Compare(t.index[i].firstKey, key) > 0 {
			break
		}
		payload, err := t.readBlock(t.index[i].handle, true)
		if err != nil {
			return dst, fmt.Errorf("dtbl: read data block: %w", err)
		}
		var done bool
		dst, done, err = appendMatches(payload, key, dst)
		if err != nil {
			return dst, err
		}
		if done {
			break
		}
	}
	return dst, nil
}

// appendMatches scans one decoded data block. done reports that a key
// greater than the query was seen, ending the run.
func appendMatches(payload, key, dst []byte) (result []byte, done bool, err error) {
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		// Length prefixes are untrusted: bound them by the remaining
		// payload before any conversion or slicing.
		klen, err := binary.ReadUvarint(r)
		if err != nil || klen > uint64(r.Len()) {
			return dst, false, fmt.Errorf("%w: entry key length", ErrCorruption)
		}
		koff := len(payload) - r.Len()
		if _, err := r.Seek(int64(klen), io.SeekCurrent); err != nil {
			return dst, false, fmt.Errorf("%w: entry key", ErrCorruption)
		}
		entryKey := payload[koff : koff+int(klen)]
		vlen, err := binary.ReadUvarint(r)
		if err != nil || vlen > uint64(r.Len()) {
			return dst, false, fmt.Errorf("%w: entry value length", ErrCorruption)
		}
		voff := len(payload) - r.Len()
		if _, err := r.Seek(int64(vlen), io.SeekCurrent); err != nil {
			return dst, false, fmt.Errorf("%w: entry value", ErrCorruption)
		}
		switch c := bytes.Compare(entryKey, key); {
		case c == 0:
			dst = append(dst, payload[voff:voff+int(vlen)]...)
		case c > 0:
			// Entries are key-ordered, the run is over.
			return dst, true, nil
		}
	}
	return dst, false, nil
}

// readBlock fetches one physical block, verifies its trailer, and
// decompresses the payload if needed. Handles come from the footer or
// a decoded index, neither of which is trusted: every handle is bounds
// checked against the file before any allocation.
func (t *Table) readBlock(handle BlockHandle, isData bool) ([]byte, error) {
	limit := uint64(t.size) - footerSize
	if handle.Size < blockTrailerSize || handle.Size > limit || handle.Offset > limit-handle.Size {
		return nil, fmt.Errorf("%w: block out of bounds", ErrCorruption)
	}
	raw := make([]byte, handle.Size)
	if _, err := t.r.ReadAt(raw, int64(handle.Offset)); err != nil {
		return nil, fmt.Errorf("dtbl: read at %d: %w", handle.Offset, err)
	}
	if isData {
		t.countDataRead(handle.Size)
	} else {
		t.countIndexRead(handle.Size)
	}

	payload := raw[:len(raw)-blockTrailerSize]
	codec := raw[len(raw)-blockTrailerSize]
	if t.opts.VerifyChecksums {
		want := binary.LittleEndian.Uint32(raw[len(raw)-4:])
		got := crc32.ChecksumIEEE(raw[:len(raw)-4])
		if got != want {
			return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorruption)
		}
	}

	switch CompressionType(codec) {
	case NoCompression:
		return payload, nil
	case SnappyCompression:
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruption, err)
		}
		return decoded, nil
	case ZstdCompression:
		// DecodeAll on a shared decoder is concurrency-safe.
		t.zonce.Do(func() {
			t.zdec, t.zerr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		})
		if t.zerr != nil {
			return nil, fmt.Errorf("dtbl: zstd decoder: %w", t.zerr)
		}
		decoded, err := t.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruption, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown block codec %d", ErrCorruption, codec)
	}
}

func (t *Table) countDataRead(n uint64) {
	if t.io != nil {
		t.io.DataBytes.Add(n)
		t.io.DataOps.Add(1)
	}
}

func (t *Table) countIndexRead(n uint64) {
	if t.io != nil {
		t.io.IndexBytes.Add(n)
		t.io.IndexOps.Add(1)
	}
}
