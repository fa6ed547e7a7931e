package burstdir

import (
	"go.uber.org/zap"

	"pkg.gfire.dev/burstdir/internal/dtbl"
	"pkg.gfire.dev/burstdir/internal/jobpool"
	"pkg.gfire.dev/burstdir/internal/vfs"
)

// CompressionType selects the per-block codec for data blocks.
type CompressionType uint8

const (
	// NoCompression stores data blocks verbatim.
	NoCompression CompressionType = CompressionType(dtbl.NoCompression)
	// SnappyCompression compresses data blocks with snappy.
	SnappyCompression CompressionType = CompressionType(dtbl.SnappyCompression)
	// ZstdCompression compresses data blocks with zstd.
	ZstdCompression CompressionType = CompressionType(dtbl.ZstdCompression)
)

// DirOptions configures a directory for writing or reading. The zero
// value is usable; Open applies the defaults below.
type DirOptions struct {
	// TotalMemtableBudget caps the bytes buffered in memory across
	// all partitions. Each partition gets an even share and seals
	// its buffer when the share is reached. Default 4MiB.
	TotalMemtableBudget int

	// BlockSize is the target size of one table data block.
	// Default 32KiB.
	BlockSize int

	// BlockUtil is the target utilization of BlockSize before a
	// block is cut. Default 0.996.
	BlockUtil float64

	// BlockBatchSize is how many bytes of table output accumulate
	// before one physical write is issued. Default 2MiB.
	BlockBatchSize int

	// Compression selects the data-block codec. Default none.
	Compression CompressionType

	// ForceCompression applies the codec even when a block does
	// not shrink.
	ForceCompression bool

	// VerifyChecksums validates block checksums on read.
	VerifyChecksums bool

	// BFBitsPerKey is the filter budget per distinct key; 0 (the
	// zero value) disables filters and lookups scan candidate
	// tables. DefaultDirOptions uses 8.
	BFBitsPerKey int

	// LgParts is the number of partitions as a power-of-two
	// exponent. Fixed at directory creation; a reader must agree
	// with what the directory was written with. Default 0.
	LgParts int

	// KeySize and ValueSize are fixed-size hints recorded in the
	// manifest; 0 means variable length.
	KeySize   int
	ValueSize int

	// UniqueKeys records the caller's promise that a key appears
	// at most once per epoch per partition. The engine does not
	// verify it; duplicate retention is only defined when this is
	// false. Default true.
	UniqueKeys bool

	// SkipSort disables buffer sorting. Only safe when the caller
	// guarantees keys already arrive in ascending order.
	SkipSort bool

	// CompactionPool runs table builds in the background. When
	// nil, compaction runs synchronously on the calling thread.
	CompactionPool *jobpool.Pool

	// FS is the byte-stream file system. Default: local disk.
	FS vfs.FS

	// Logger receives compaction and manifest events.
	// Default: no-op.
	Logger *zap.Logger
}

// DefaultDirOptions returns the documented defaults.
func DefaultDirOptions() DirOptions {
	o := DirOptions{
		BFBitsPerKey: 8,
		UniqueKeys:   true,
	}
	o.sanitize()
	return o
}

func (o *DirOptions) sanitize() {
	if o.TotalMemtableBudget < 1 {
		o.TotalMemtableBudget = 4 << 20
	}
	if o.BlockSize < 1 {
		o.BlockSize = 32 << 10
	}
	if o.BlockUtil <= 0 || o.BlockUtil > 1 {
		o.BlockUtil = 0.996
	}
	if o.BlockBatchSize < 1 {
		o.BlockBatchSize = 2 << 20
	}
	if o.BFBitsPerKey < 0 {
		o.BFBitsPerKey = 0
	}
	if o.LgParts < 0 {
		o.LgParts = 0
	}
	if o.FS == nil {
		o.FS = vfs.NewDisk()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o *DirOptions) buildOptions() dtbl.BuildOptions {
	return dtbl.BuildOptions{
		BlockSize:        o.BlockSize,
		BlockUtil:        o.BlockUtil,
		BlockBatchSize:   o.BlockBatchSize,
		Compression:      dtbl.CompressionType(o.Compression),
		ForceCompression: o.ForceCompression,
		BitsPerKey:       o.BFBitsPerKey,
	}
}

func (o *DirOptions) readOptions() dtbl.ReadOptions {
	return dtbl.ReadOptions{VerifyChecksums: o.VerifyChecksums}
}
