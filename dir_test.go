package burstdir

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.gfire.dev/burstdir/internal/jobpool"
	"pkg.gfire.dev/burstdir/internal/vfs"
)

func memOptions() DirOptions {
	o := DefaultDirOptions()
	o.FS = vfs.NewMem()
	o.VerifyChecksums = true
	return o
}

func readAll(t *testing.T, r *DirReader, key string) string {
	t.Helper()
	got, err := r.ReadAll([]byte(key))
	require.NoError(t, err)
	return string(got)
}

func TestEmptyDirectory(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	require.NoError(t, w.Finish())
	require.Zero(t, w.NumTables())

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadAll([]byte("non-exists"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestSingleEpoch(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		require.NoError(t, w.Append([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), 0))
	}
	require.NoError(t, w.EpochFlush(0))
	require.NoError(t, w.Finish())

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	for i := 1; i <= 6; i++ {
		assert.Equal(t, fmt.Sprintf("v%d", i), readAll(t, r, fmt.Sprintf("k%d", i)))
	}
	assert.Equal(t, "", readAll(t, r, "k1.1"))
}

func writeThreeEpochs(t *testing.T, opts DirOptions, dir string) {
	t.Helper()
	w, err := Open(opts, dir)
	require.NoError(t, err)
	for e := 0; e < 3; e++ {
		require.NoError(t, w.Append([]byte("k1"), []byte(fmt.Sprintf("v%d", 2*e+1)), e))
		require.NoError(t, w.Append([]byte("k2"), []byte(fmt.Sprintf("v%d", 2*e+2)), e))
		require.NoError(t, w.EpochFlush(e))
	}
	require.NoError(t, w.Finish())
}

func TestMultiEpoch(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*DirOptions)
	}{
		{"default", func(o *DirOptions) {}},
		{"no_filter", func(o *DirOptions) { o.BFBitsPerKey = 0 }},
		{"snappy", func(o *DirOptions) {
			o.Compression = SnappyCompression
			o.ForceCompression = true
		}},
		{"zstd", func(o *DirOptions) {
			o.Compression = ZstdCompression
			o.ForceCompression = true
		}},
		{"lg_parts_2", func(o *DirOptions) { o.LgParts = 2 }},
		{"lg_parts_3_no_verify", func(o *DirOptions) {
			o.LgParts = 3
			o.VerifyChecksums = false
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := memOptions()
			tc.mod(&opts)
			writeThreeEpochs(t, opts, "/d")

			r, err := OpenReader(opts, "/d")
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, "v1v3v5", readAll(t, r, "k1"))
			assert.Equal(t, "v2v4v6", readAll(t, r, "k2"))
			assert.Equal(t, "", readAll(t, r, "k3"))
		})
	}
}

func TestDuplicateKeys(t *testing.T) {
	opts := memOptions()
	opts.UniqueKeys = false
	w, err := Open(opts, "/d")
	require.NoError(t, err)

	require.NoError(t, w.Append([]byte("k1"), []byte("v1"), 0))
	require.NoError(t, w.Append([]byte("k1"), []byte("v2"), 0))
	require.NoError(t, w.EpochFlush(0))
	require.NoError(t, w.Append([]byte("k0"), []byte("v3"), 1))
	require.NoError(t, w.Append([]byte("k1"), []byte("v4"), 1))
	require.NoError(t, w.Append([]byte("k1"), []byte("v5"), 1))
	require.NoError(t, w.EpochFlush(1))
	require.NoError(t, w.Append([]byte("k1"), []byte("v6"), 2))
	require.NoError(t, w.Append([]byte("k1"), []byte("v7"), 2))
	require.NoError(t, w.Append([]byte("k5"), []byte("v8"), 2))
	require.NoError(t, w.EpochFlush(2))
	require.NoError(t, w.Append([]byte("k1"), []byte("v9"), 3))
	require.NoError(t, w.EpochFlush(3))
	require.NoError(t, w.Finish())

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "v1v2v4v5v6v7v9", readAll(t, r, "k1"))
	assert.Equal(t, "v3", readAll(t, r, "k0"))
	assert.Equal(t, "v8", readAll(t, r, "k5"))
}

func TestDoubleWriteLargeBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}
	const numKeys = 65536

	pool := jobpool.New(4)
	defer pool.Close()

	opts := memOptions()
	opts.LgParts = 1
	opts.TotalMemtableBudget = 1 << 20
	opts.CompactionPool = pool

	w, err := Open(opts, "/d")
	require.NoError(t, err)
	for e := 0; e < 2; e++ {
		for i := 0; i < numKeys; i++ {
			key := []byte(fmt.Sprintf("k%05x", i))
			value := []byte(fmt.Sprintf("%d-%05x", e, i))
			require.NoError(t, w.Append(key, value, e))
		}
		require.NoError(t, w.EpochFlush(e))
	}
	require.NoError(t, w.Finish())
	// A 1 MiB budget across two partitions forces several generations
	// per epoch.
	require.Greater(t, w.NumTables(), 4)

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < numKeys; i++ {
		got, err := r.ReadAll([]byte(fmt.Sprintf("k%05x", i)))
		require.NoError(t, err)
		require.Len(t, got, 2*len(fmt.Sprintf("0-%05x", i)), "key %05x", i)
		require.Equal(t, fmt.Sprintf("0-%05x1-%05x", i, i), string(got))
	}
}

func TestImplicitEpochAdvance(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("k1"), []byte("v1"), 0))
	// Jumping ahead seals epoch 0 without an explicit flush.
	require.NoError(t, w.Append([]byte("k1"), []byte("v2"), 2))
	require.NoError(t, w.Finish())

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "v1v2", readAll(t, r, "k1"))
}

func TestEpochValidation(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("k"), []byte("v"), 0))
	require.NoError(t, w.EpochFlush(0))

	require.ErrorIs(t, w.Append([]byte("k"), []byte("v"), 0), ErrInvalidArgument)
	require.ErrorIs(t, w.EpochFlush(5), ErrInvalidArgument)
	require.ErrorIs(t, w.Append([]byte(""), []byte("v"), 1), ErrInvalidArgument)
	require.NoError(t, w.Finish())
}

func TestWriterFinished(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("k"), []byte("v"), 0))
	require.NoError(t, w.Finish())

	require.ErrorIs(t, w.Finish(), ErrFinished)
	require.ErrorIs(t, w.Append([]byte("k"), []byte("v"), 1), ErrFinished)
	require.ErrorIs(t, w.EpochFlush(0), ErrFinished)
}

func TestReaderPartitionMismatch(t *testing.T) {
	opts := memOptions()
	opts.LgParts = 2
	writeThreeEpochs(t, opts, "/d")

	bad := opts
	bad.LgParts = 3
	_, err := OpenReader(bad, "/d")
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Zero means adopt whatever the directory was written with.
	adopt := opts
	adopt.LgParts = 0
	r, err := OpenReader(adopt, "/d")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, r.LgParts())
	assert.Equal(t, "v1v3v5", readAll(t, r, "k1"))
}

func TestCorruptTable(t *testing.T) {
	opts := memOptions()
	writeThreeEpochs(t, opts, "/d")
	fs := opts.FS.(*vfs.Mem)

	names, err := fs.List("/d")
	require.NoError(t, err)
	var table string
	for _, name := range names {
		if strings.HasSuffix(name, ".tbl") {
			table = "/d/" + name
			break
		}
	}
	require.NotEmpty(t, table)
	require.NoError(t, fs.Corrupt(table, 1))

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	// Every table holds k1, so the flipped block is on the read path.
	_, err = r.ReadAll([]byte("k1"))
	require.ErrorIs(t, err, ErrCorruption)
}

func TestCorruptManifest(t *testing.T) {
	opts := memOptions()
	writeThreeEpochs(t, opts, "/d")
	fs := opts.FS.(*vfs.Mem)
	require.NoError(t, fs.Corrupt("/d/"+manifestName, 9))

	_, err := OpenReader(opts, "/d")
	require.ErrorIs(t, err, ErrCorruption)
}

func TestDestroy(t *testing.T) {
	opts := memOptions()
	writeThreeEpochs(t, opts, "/d")
	require.NoError(t, Destroy(opts, "/d"))

	names, err := opts.FS.List("/d")
	require.NoError(t, err)
	require.Empty(t, names)
	_, err = OpenReader(opts, "/d")
	require.Error(t, err)
}

func TestWriterStats(t *testing.T) {
	opts := memOptions()
	w, err := Open(opts, "/d")
	require.NoError(t, err)

	require.Zero(t, w.MemoryUsage())
	require.NoError(t, w.Append([]byte("k1"), []byte("v1"), 0))
	require.Greater(t, w.MemoryUsage(), 0)
	require.Greater(t, w.EstimatedTableSize(), 0)

	require.NoError(t, w.EpochFlush(0))
	require.Zero(t, w.MemoryUsage())
	require.NoError(t, w.Finish())

	require.Equal(t, 1, w.NumTables())
	require.NotZero(t, w.DataSize())
	require.NotZero(t, w.IndexSize())
	require.NotZero(t, w.FilterSize())

	stats := w.IoStats()
	require.NotZero(t, stats.DataBytes)
	require.NotZero(t, stats.IndexBytes)
	require.NotZero(t, stats.DataOps)
	require.NotZero(t, stats.IndexOps)
}

func TestReaderStats(t *testing.T) {
	opts := memOptions()
	writeThreeEpochs(t, opts, "/d")

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 3, r.NumTables())

	_ = readAll(t, r, "k1")
	stats := r.IoStats()
	require.NotZero(t, stats.DataBytes)
	require.NotZero(t, stats.IndexBytes)
}

func TestBackgroundPoolMatchesInline(t *testing.T) {
	pool := jobpool.New(2)
	defer pool.Close()

	for _, tc := range []struct {
		name string
		mod  func(*DirOptions)
	}{
		{"inline", func(o *DirOptions) {}},
		{"pooled", func(o *DirOptions) { o.CompactionPool = pool }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := memOptions()
			opts.LgParts = 1
			tc.mod(&opts)
			writeThreeEpochs(t, opts, "/d")

			r, err := OpenReader(opts, "/d")
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, "v1v3v5", readAll(t, r, "k1"))
			assert.Equal(t, "v2v4v6", readAll(t, r, "k2"))
		})
	}
}

func TestDiskFileSystem(t *testing.T) {
	opts := DefaultDirOptions()
	opts.FS = vfs.NewDisk()
	opts.VerifyChecksums = true
	dir := t.TempDir() + "/d"
	writeThreeEpochs(t, opts, dir)

	r, err := OpenReader(opts, dir)
	require.NoError(t, err)
	assert.Equal(t, "v1v3v5", readAll(t, r, "k1"))
	assert.Equal(t, "v2v4v6", readAll(t, r, "k2"))
	assert.Equal(t, "", readAll(t, r, "k3"))
	require.NoError(t, r.Close())

	require.NoError(t, Destroy(opts, dir))
	names, err := opts.FS.List(dir)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestDestroyMissingDirectory(t *testing.T) {
	opts := DefaultDirOptions()
	opts.FS = vfs.NewDisk()
	require.NoError(t, Destroy(opts, t.TempDir()+"/never-created"))
}

type failListFS struct {
	vfs.FS
}

func (failListFS) List(string) ([]string, error) {
	return nil, errors.New("list failed")
}

func TestDestroyListFailure(t *testing.T) {
	opts := memOptions()
	opts.FS = failListFS{FS: opts.FS}
	require.Error(t, Destroy(opts, "/d"))
}

func TestHugeBudgetClampsShare(t *testing.T) {
	opts := memOptions()
	opts.TotalMemtableBudget = 1 << 40
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	require.LessOrEqual(t, w.EstimatedTableSize(), 1<<30)
	require.NoError(t, w.Finish())
}

func TestSkipSortPreSortedInput(t *testing.T) {
	opts := memOptions()
	opts.SkipSort = true
	w, err := Open(opts, "/d")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, w.Append([]byte(k), []byte("v-"+k), 0))
	}
	require.NoError(t, w.Finish())

	r, err := OpenReader(opts, "/d")
	require.NoError(t, err)
	defer r.Close()
	for _, k := range []string{"a", "b", "c"} {
		assert.Equal(t, "v-"+k, readAll(t, r, k))
	}
}
