// Package burstdir is a partitioned, epoch-oriented log-structured
// table store. Producers append small key-value records tagged with a
// monotonically advancing epoch; the store buffers them per hash
// partition, sorts and compacts sealed buffers into immutable block
// tables in the background, and serves ReadAll lookups that return
// the concatenation of every value ever written under a key, in
// epoch then insertion order.
//
// The write surface is DirWriter (Append, EpochFlush, Finish); the
// read surface is DirReader (ReadAll). Both are configured through
// DirOptions and operate against a pluggable file system.
package burstdir

import (
	"errors"

	"github.com/spaolacci/murmur3"
	"pkg.gfire.dev/burstdir/internal/dtbl"
)

var (
	// ErrCorruption reports a checksum mismatch or malformed table
	// or manifest region. It is fatal to the affected read only.
	ErrCorruption = dtbl.ErrCorruption

	// ErrInvalidArgument reports a request rejected before any
	// state changed, such as an out-of-order epoch.
	ErrInvalidArgument = errors.New("burstdir: invalid argument")

	// ErrFinished reports use of a writer after Finish.
	ErrFinished = errors.New("burstdir: writer already finished")
)

// IoStats is a snapshot of cumulative physical I/O, split between
// data-block traffic and index/filter/footer traffic.
type IoStats struct {
	DataBytes  uint64
	DataOps    uint64
	IndexBytes uint64
	IndexOps   uint64
}

func statsSnapshot(c *dtbl.IoCounters) IoStats {
	var s IoStats
	s.DataBytes, s.DataOps, s.IndexBytes, s.IndexOps = c.Snapshot()
	return s
}

// partitionOf routes a key to its partition. Stable across writer and
// reader for a given lg_parts.
func partitionOf(key []byte, mask uint32) uint32 {
	return murmur3.Sum32(key) & mask
}
