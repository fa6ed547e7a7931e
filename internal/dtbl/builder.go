package dtbl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
)

// Builder streams key-ordered entries into a table file. Writes are
// staged in a batch buffer and issued to the destination only when
// BlockBatchSize accumulates, so the number of physical writes is
// bounded by batch size rather than block count. Keys must arrive in
// ascending order; equal keys are legal and are kept as distinct
// entries in arrival order.
type Builder struct {
	dst  io.Writer
	opts BuildOptions
	io   *IoCounters

	batch      *bytebufferpool.ByteBuffer
	batchData  uint64 // data-block bytes sitting in batch
	batchIndex uint64 // index/filter/footer bytes sitting in batch
	offset     uint64
	blockBuf   []byte
	firstKey   []byte
	index      []indexEntry
	filter     *filterBuilder
	lastKey    []byte
	scratch    []byte
	varBuf     [binary.MaxVarintLen64]byte
	zenc       *zstd.Encoder
	sizes      Sizes
	err        error
	finished   bool
}

// NewBuilder creates a builder writing to dst. Counters may be shared
// across builders and may be nil.
func NewBuilder(dst io.Writer, opts BuildOptions, counters *IoCounters) *Builder {
	b := &Builder{
		dst:   dst,
		opts:  opts,
		io:    counters,
		batch: bytebufferpool.Get(),
	}
	if opts.BitsPerKey > 0 {
		b.filter = newFilterBuilder(opts.BitsPerKey)
	}
	return b
}

// Add appends an entry to the current data block. Errors are sticky
// and reported by Finish.
func (b *Builder) Add(key, value []byte) {
	if b.err != nil || b.finished {
		return
	}
	if b.lastKey != nil && bytes.Compare(key, b.lastKey) < 0 {
		b.err = fmt.Errorf("dtbl: out-of-order key %q", key)
		return
	}

	if b.filter != nil && !bytes.Equal(key, b.lastKey) {
		// Duplicates are inserted once for filter purposes.
		b.filter.AddKey(key)
	}
	b.lastKey = append(b.lastKey[:0], key...)

	if len(b.blockBuf) == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}

	n := binary.PutUvarint(b.varBuf[:], uint64(len(key)))
	b.blockBuf = append(b.blockBuf, b.varBuf[:n]...)
	b.blockBuf = append(b.blockBuf, key...)
	n = binary.PutUvarint(b.varBuf[:], uint64(len(value)))
	b.blockBuf = append(b.blockBuf, b.varBuf[:n]...)
	b.blockBuf = append(b.blockBuf, value...)

	if len(b.blockBuf) >= b.blockTarget() {
		b.cutDataBlock()
	}
}

func (b *Builder) blockTarget() int {
	target := int(float64(b.opts.BlockSize) * b.opts.BlockUtil)
	if target < 1 {
		target = b.opts.BlockSize
	}
	return target
}

func (b *Builder) cutDataBlock() {
	if len(b.blockBuf) == 0 || b.err != nil {
		return
	}
	handle, err := b.emitBlock(b.blockBuf, true)
	if err != nil {
		b.err = err
		return
	}
	b.sizes.DataBytes += handle.Size
	b.index = append(b.index, indexEntry{
		firstKey: append([]byte(nil), b.firstKey...),
		handle:   handle,
	})
	b.blockBuf = b.blockBuf[:0]
}

// emitBlock writes one physical block: the (possibly compressed)
// payload, the codec byte, and a crc32 over both.
func (b *Builder) emitBlock(payload []byte, compressible bool) (BlockHandle, error) {
	out := payload
	codec := byte(NoCompression)
	if compressible {
		switch b.opts.Compression {
		case SnappyCompression:
			compressed := snappy.Encode(b.scratch[:0], payload)
			if b.opts.ForceCompression || beneficial(len(compressed), len(payload)) {
				out, codec = compressed, byte(SnappyCompression)
			}
			b.scratch = compressed[:0]
		case ZstdCompression:
			if b.zenc == nil {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				if err != nil {
					return BlockHandle{}, fmt.Errorf("dtbl: zstd encoder: %w", err)
				}
				b.zenc = enc
			}
			compressed := b.zenc.EncodeAll(payload, b.scratch[:0])
			if b.opts.ForceCompression || beneficial(len(compressed), len(payload)) {
				out, codec = compressed, byte(ZstdCompression)
			}
			b.scratch = compressed[:0]
		}
	}

	b.batch.Write(out)
	b.batch.WriteByte(codec)
	crc := crc32.ChecksumIEEE(out)
	crc = crc32.Update(crc, crc32.IEEETable, []byte{codec})
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)
	b.batch.Write(trailer[:])

	handle := BlockHandle{
		Offset: b.offset,
		Size:   uint64(len(out)) + blockTrailerSize,
	}
	b.offset += handle.Size
	if compressible {
		b.batchData += handle.Size
	} else {
		b.batchIndex += handle.Size
	}

	if b.opts.BlockBatchSize > 0 && b.batch.Len() >= b.opts.BlockBatchSize {
		if err := b.flushBatch(); err != nil {
			return BlockHandle{}, err
		}
	}
	return handle, nil
}

// beneficial mirrors the usual rule: compression must save at least
// 12.5% to be worth the decode cost.
func beneficial(compressed, raw int) bool {
	return compressed < raw-raw/8
}

func (b *Builder) flushBatch() error {
	if b.batch.Len() == 0 {
		return nil
	}
	_, err := b.dst.Write(b.batch.Bytes())
	if b.io != nil {
		if b.batchData > 0 {
			b.io.DataBytes.Add(b.batchData)
			b.io.DataOps.Add(1)
		}
		if b.batchIndex > 0 {
			b.io.IndexBytes.Add(b.batchIndex)
			b.io.IndexOps.Add(1)
		}
	}
	b.batchData, b.batchIndex = 0, 0
	b.batch.Reset()
	if err != nil {
		return fmt.Errorf("dtbl: write batch: %w", err)
	}
	return nil
}

// Finish cuts the final data block, writes the filter and index
// regions plus the footer, and flushes everything to the destination.
// The builder is unusable afterwards.
func (b *Builder) Finish() (Sizes, error) {
	if b.finished {
		return b.sizes, b.err
	}
	b.finished = true
	defer func() {
		bytebufferpool.Put(b.batch)
		b.batch = nil
		if b.zenc != nil {
			b.zenc.Close()
			b.zenc = nil
		}
	}()

	b.cutDataBlock()
	if b.err != nil {
		return Sizes{}, b.err
	}

	var flags byte
	var filterHandle BlockHandle
	if b.filter != nil && b.filter.NumKeys() > 0 {
		handle, err := b.emitBlock(b.filter.Build(), false)
		if err != nil {
			return Sizes{}, err
		}
		filterHandle = handle
		b.sizes.FilterBytes = handle.Size
		flags |= footerFlagHasFilter
	}

	indexHandle, err := b.emitBlock(b.encodeIndex(), false)
	if err != nil {
		return Sizes{}, err
	}
	b.sizes.IndexBytes = indexHandle.Size

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], filterHandle.Offset)
	binary.LittleEndian.PutUint64(footer[8:16], filterHandle.Size)
	binary.LittleEndian.PutUint64(footer[16:24], indexHandle.Offset)
	binary.LittleEndian.PutUint64(footer[24:32], indexHandle.Size)
	footer[32] = flags
	binary.LittleEndian.PutUint32(footer[36:40], tableVersion)
	copy(footer[40:48], tableMagic)
	b.batch.Write(footer)
	b.offset += footerSize
	b.batchIndex += footerSize

	if err := b.flushBatch(); err != nil {
		return Sizes{}, err
	}
	b.sizes.FileSize = b.offset
	return b.sizes, nil
}

func (b *Builder) encodeIndex() []byte {
	var buf []byte
	for _, e := range b.index {
		n := binary.PutUvarint(b.varBuf[:], uint64(len(e.firstKey)))
		buf = append(buf, b.varBuf[:n]...)
		buf = append(buf, e.firstKey...)
		n = binary.PutUvarint(b.varBuf[:], e.handle.Offset)
		buf = append(buf, b.varBuf[:n]...)
		n = binary.PutUvarint(b.varBuf[:], e.handle.Size)
		buf = append(buf, b.varBuf[:n]...)
	}
	return buf
}
