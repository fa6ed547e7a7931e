// Package dtbl implements the immutable block table that compaction
// writes and lookups read. A table is a run of data blocks, an index
// block mapping first keys to block locations, an optional membership
// filter, and a fixed-size footer. Every block carries a codec byte
// and a crc32 checksum in a 5-byte trailer.
package dtbl

import (
	"errors"
	"sync/atomic"
)

// CompressionType identifies the per-block codec.
type CompressionType uint8

const (
	// NoCompression stores block payloads verbatim.
	NoCompression CompressionType = iota
	// SnappyCompression compresses block payloads with snappy.
	SnappyCompression
	// ZstdCompression compresses block payloads with zstd.
	ZstdCompression
)

const (
	// tableMagic identifies the file format in the footer.
	tableMagic = "BDTBL001"

	// footerSize is the fixed size of the table footer:
	// two block handles, a flags byte, padding, a format version,
	// and the magic.
	footerSize = 48

	// blockTrailerSize is the codec byte plus the crc32 checksum
	// appended to every block.
	blockTrailerSize = 5

	tableVersion = 1

	footerFlagHasFilter = 1 << 0
)

// ErrCorruption reports a malformed or checksum-failing table region.
var ErrCorruption = errors.New("dtbl: corrupted table")

// BlockHandle locates a physical block within the table file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

type indexEntry struct {
	firstKey []byte
	handle   BlockHandle
}

// BuildOptions configures table construction.
type BuildOptions struct {
	// BlockSize is the target size of a data block, in bytes.
	BlockSize int

	// BlockUtil is the target utilization of BlockSize. A data
	// block is cut once it reaches BlockSize*BlockUtil, trading
	// packing efficiency against scan length.
	BlockUtil float64

	// BlockBatchSize is how many bytes accumulate in the output
	// buffer before a physical write is issued.
	BlockBatchSize int

	// Compression selects the data-block codec.
	Compression CompressionType

	// ForceCompression applies the codec even when it does not
	// shrink the block.
	ForceCompression bool

	// BitsPerKey is the filter budget per distinct key. 0 disables
	// the filter.
	BitsPerKey int
}

// ReadOptions configures table reading.
type ReadOptions struct {
	// VerifyChecksums validates every block checksum on read.
	VerifyChecksums bool
}

// Sizes reports what a finished table is made of.
type Sizes struct {
	DataBytes   uint64 // physical data-block bytes
	IndexBytes  uint64 // physical index-block bytes
	FilterBytes uint64 // physical filter-block bytes
	FileSize    uint64 // total file size including footer
}

// IoCounters accumulates physical I/O traffic, split into data-block
// traffic and index/filter/footer traffic. Counters are cumulative
// and safe for concurrent use; read them with Snapshot.
type IoCounters struct {
	DataBytes  atomic.Uint64
	DataOps    atomic.Uint64
	IndexBytes atomic.Uint64
	IndexOps   atomic.Uint64
}

// Snapshot returns a plain copy of the counters.
func (c *IoCounters) Snapshot() (dataBytes, dataOps, indexBytes, indexOps uint64) {
	return c.DataBytes.Load(), c.DataOps.Load(), c.IndexBytes.Load(), c.IndexOps.Load()
}
