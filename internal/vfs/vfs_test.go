package vfs

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRoundTrip(t *testing.T) {
	fs := NewMem()
	f, err := fs.CreateWritable("d/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = f.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	size, err := fs.Size("d/file")
	require.NoError(t, err)
	require.Equal(t, int64(11), size)

	r, err := fs.OpenSequential("d/file")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.NoError(t, r.Close())

	ra, err := fs.OpenRandom("d/file")
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = ra.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
	require.NoError(t, ra.Close())
}

func TestMemMissingFile(t *testing.T) {
	fs := NewMem()
	_, err := fs.OpenRandom("nope")
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = fs.Size("nope")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorIs(t, fs.Remove("nope"), os.ErrNotExist)
}

func TestMemListAndRemove(t *testing.T) {
	fs := NewMem()
	for _, name := range []string{"d/a", "d/b", "other/c"} {
		f, err := fs.CreateWritable(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	names, err := fs.List("d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, fs.Remove("d/a"))
	names, err = fs.List("d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, names)
}

func TestMemCorrupt(t *testing.T) {
	fs := NewMem()
	f, err := fs.CreateWritable("f")
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Corrupt("f", -1))
	r, err := fs.OpenSequential("f")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3 ^ 0xff}, data)

	require.Error(t, fs.Corrupt("f", 99))
}

func TestDiskRoundTrip(t *testing.T) {
	fs := NewDisk()
	dir := t.TempDir() + "/sub"
	require.NoError(t, fs.MkdirAll(dir))

	f, err := fs.CreateWritable(dir + "/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	size, err := fs.Size(dir + "/file")
	require.NoError(t, err)
	require.Equal(t, int64(11), size)

	ra, err := fs.OpenRandom(dir + "/file")
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = ra.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
	require.NoError(t, ra.Close())

	names, err := fs.List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"file"}, names)

	require.NoError(t, fs.Remove(dir+"/file"))
	_, err = fs.Size(dir + "/file")
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = fs.List(dir + "/missing")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRateLimitedThrottlesWrites(t *testing.T) {
	fs := NewRateLimited(NewMem(), 1<<20) // 1 MiB/s
	f, err := fs.CreateWritable("f")
	require.NoError(t, err)
	start := time.Now()
	_, err = f.Write(make([]byte, 64<<10)) // 64 KiB, ~62ms at 1 MiB/s
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	size, err := fs.Size("f")
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), size)
}
