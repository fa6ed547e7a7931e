package vfs

import (
	"io"
	"os"
)

// Disk implements FS using the local file system.
type Disk struct{}

// NewDisk creates a new Disk file system.
func NewDisk() *Disk {
	return &Disk{}
}

func (fs *Disk) CreateWritable(name string) (WritableFile, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func (fs *Disk) OpenRandom(name string) (RandomFile, error) {
	return os.Open(name)
}

func (fs *Disk) OpenSequential(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (fs *Disk) Size(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (fs *Disk) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (fs *Disk) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (fs *Disk) Remove(name string) error {
	return os.Remove(name)
}
