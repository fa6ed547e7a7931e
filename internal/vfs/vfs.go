// Package vfs abstracts the byte-stream file system underneath the
// directory engine. Production code uses Disk; tests and benchmarks
// substitute Mem or RateLimited without the engine noticing.
package vfs

import (
	"io"
)

// WritableFile is an append-only output stream.
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// RandomFile supports positional reads.
type RandomFile interface {
	io.ReaderAt
	io.Closer
}

// FS is the capability set the engine needs from a file system:
// create-writable, open-random-access, open-sequential, stat.
type FS interface {
	CreateWritable(name string) (WritableFile, error)
	OpenRandom(name string) (RandomFile, error)
	OpenSequential(name string) (io.ReadCloser, error)
	Size(name string) (int64, error)
	MkdirAll(dir string) error
	List(dir string) ([]string, error)
	Remove(name string) error
}
