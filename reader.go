package burstdir

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"pkg.gfire.dev/burstdir/internal/dtbl"
	"pkg.gfire.dev/burstdir/internal/vfs"
)

// DirReader serves lookups against a finished directory. Tables are
// opened lazily and cached for the reader's lifetime. A DirReader is
// safe for concurrent use.
type DirReader struct {
	opts     DirOptions
	dir      string
	log      *zap.Logger
	man      *manifest
	mask     uint32
	byPart   [][]tableMeta
	counters dtbl.IoCounters

	mu     sync.Mutex
	closed bool
	tables map[string]*openTable
}

type openTable struct {
	f   vfs.RandomFile
	tbl *dtbl.Table
}

// OpenReader loads the manifest of a finished directory. When
// opts.LgParts is non-zero it must match the partition count the
// directory was written with.
func OpenReader(opts DirOptions, dirname string) (*DirReader, error) {
	opts.sanitize()
	f, err := opts.FS.OpenSequential(dirname + "/" + manifestName)
	if err != nil {
		return nil, fmt.Errorf("burstdir: open manifest: %w", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("burstdir: read manifest: %w", err)
	}
	man, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	if opts.LgParts != 0 && opts.LgParts != man.lgParts {
		return nil, fmt.Errorf("%w: directory has lg_parts=%d, opened with lg_parts=%d",
			ErrInvalidArgument, man.lgParts, opts.LgParts)
	}

	nparts := 1 << man.lgParts
	r := &DirReader{
		opts:   opts,
		dir:    dirname,
		log:    opts.Logger,
		man:    man,
		mask:   uint32(nparts - 1),
		byPart: make([][]tableMeta, nparts),
		tables: make(map[string]*openTable),
	}
	for _, t := range man.tables {
		if t.part < 0 || t.part >= nparts {
			return nil, fmt.Errorf("%w: table partition %d out of range", ErrCorruption, t.part)
		}
		r.byPart[t.part] = append(r.byPart[t.part], t)
	}
	for _, tables := range r.byPart {
		sort.Slice(tables, func(i, j int) bool {
			if tables[i].epoch != tables[j].epoch {
				return tables[i].epoch < tables[j].epoch
			}
			return tables[i].seq < tables[j].seq
		})
	}
	r.log.Debug("directory opened",
		zap.String("dir", dirname),
		zap.Int("lg_parts", man.lgParts),
		zap.Int("tables", len(man.tables)))
	return r, nil
}

// ReadAll returns the concatenation of every value stored under key,
// ordered by epoch, then by table generation, then by position within
// the table. An absent key yields an empty, non-nil result.
func (r *DirReader) ReadAll(key []byte) ([]byte, error) {
	part := partitionOf(key, r.mask)
	result := []byte{}
	for _, tm := range r.byPart[part] {
		t, err := r.table(tm)
		if err != nil {
			return nil, err
		}
		if !t.MayContain(key) {
			continue
		}
		result, err = t.AppendAll(key, result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *DirReader) table(tm tableMeta) (*dtbl.Table, error) {
	name := tableName(r.dir, tm.part, tm.seq)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: reader closed", ErrInvalidArgument)
	}
	if ot, ok := r.tables[name]; ok {
		return ot.tbl, nil
	}
	f, err := r.opts.FS.OpenRandom(name)
	if err != nil {
		return nil, fmt.Errorf("burstdir: open table: %w", err)
	}
	size := tm.size
	if size == 0 {
		if size, err = r.opts.FS.Size(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("burstdir: stat table: %w", err)
		}
	}
	tbl, err := dtbl.OpenTable(f, size, r.opts.readOptions(), &r.counters)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.tables[name] = &openTable{f: f, tbl: tbl}
	return tbl, nil
}

// Close releases every cached table handle.
func (r *DirReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, ot := range r.tables {
		if err := ot.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.tables = nil
	return firstErr
}

// NumTables reports the table generations recorded in the manifest.
func (r *DirReader) NumTables() int {
	return len(r.man.tables)
}

// LgParts reports the directory's partition count exponent.
func (r *DirReader) LgParts() int {
	return r.man.lgParts
}

// KeySize reports the fixed key size hint recorded at write time;
// 0 means variable length.
func (r *DirReader) KeySize() int { return r.man.keySize }

// ValueSize reports the fixed value size hint; 0 means variable length.
func (r *DirReader) ValueSize() int { return r.man.valueSize }

// IoStats snapshots the reader's cumulative physical I/O counters.
func (r *DirReader) IoStats() IoStats {
	return statsSnapshot(&r.counters)
}
