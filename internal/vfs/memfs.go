package vfs

import (
	"io"
	"os"
	"path"
	"strings"
	"sync"
)

// Mem implements FS in memory. Every open returns an independent
// handle over the shared file data, so concurrent readers are safe.
type Mem struct {
	mu    sync.Mutex
	files map[string]*memFile
}

// NewMem creates a new in-memory file system.
func NewMem() *Mem {
	return &Mem{
		files: make(map[string]*memFile),
	}
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (fs *Mem) CreateWritable(name string) (WritableFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{}
	fs.files[name] = f
	return &memWriter{f: f}, nil
}

func (fs *Mem) OpenRandom(name string) (RandomFile, error) {
	f, err := fs.find(name)
	if err != nil {
		return nil, err
	}
	return &memReader{f: f}, nil
}

func (fs *Mem) OpenSequential(name string) (io.ReadCloser, error) {
	f, err := fs.find(name)
	if err != nil {
		return nil, err
	}
	return &memReader{f: f}, nil
}

func (fs *Mem) Size(name string) (int64, error) {
	f, err := fs.find(name)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (fs *Mem) MkdirAll(dir string) error { return nil }

func (fs *Mem) List(dir string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, path.Base(name))
		}
	}
	return names, nil
}

func (fs *Mem) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return os.ErrNotExist
	}
	delete(fs.files, name)
	return nil
}

// Corrupt flips a byte of a stored file. Test hook.
func (fs *Mem) Corrupt(name string, off int64) error {
	f, err := fs.find(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		off += int64(len(f.data))
	}
	if off < 0 || off >= int64(len(f.data)) {
		return io.ErrUnexpectedEOF
	}
	f.data[off] ^= 0xff
	return nil
}

func (fs *Mem) find(name string) (*memFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return f, nil
}

type memWriter struct {
	f *memFile
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.data = append(w.f.data, p...)
	return len(p), nil
}

func (w *memWriter) Sync() error  { return nil }
func (w *memWriter) Close() error { return nil }

type memReader struct {
	f   *memFile
	pos int64
}

func (r *memReader) Read(p []byte) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if r.pos >= int64(len(r.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.f.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if off >= int64(len(r.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memReader) Close() error { return nil }
