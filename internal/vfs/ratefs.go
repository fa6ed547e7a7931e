package vfs

import (
	"time"
)

// RateLimited wraps another FS and throttles created files to an
// emulated link speed, in bytes per second. Reads pass through
// untouched. Used by benchmarks to model a burst-buffer link.
type RateLimited struct {
	FS
	bytesPerSec int64
}

// NewRateLimited wraps fs with a per-file write throttle.
func NewRateLimited(fs FS, bytesPerSec int64) *RateLimited {
	return &RateLimited{FS: fs, bytesPerSec: bytesPerSec}
}

func (fs *RateLimited) CreateWritable(name string) (WritableFile, error) {
	f, err := fs.FS.CreateWritable(name)
	if err != nil {
		return nil, err
	}
	return &throttledFile{WritableFile: f, bytesPerSec: fs.bytesPerSec}, nil
}

type throttledFile struct {
	WritableFile
	bytesPerSec int64
}

func (f *throttledFile) Write(p []byte) (int, error) {
	if len(p) != 0 && f.bytesPerSec > 0 {
		delay := time.Duration(int64(len(p)) * int64(time.Second) / f.bytesPerSec)
		time.Sleep(delay)
	}
	return f.WritableFile.Write(p)
}
