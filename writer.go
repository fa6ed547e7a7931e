package burstdir

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pkg.gfire.dev/burstdir/internal/dtbl"
	"pkg.gfire.dev/burstdir/internal/mbuf"
)

// DirWriter is the write-side facade of a directory. Appends are
// routed to per-partition write buffers; full or epoch-sealed buffers
// are compacted into immutable tables, in the background when a
// compaction pool is configured. Append, EpochFlush, and Finish must
// be issued from a single logical writer thread; appends to distinct
// partitions never contend internally.
type DirWriter struct {
	opts       DirOptions
	dir        string
	log        *zap.Logger
	mask       uint32
	partBudget int
	parts      []*partition
	counters   dtbl.IoCounters
	pending    sync.WaitGroup

	mu          sync.Mutex
	curEpoch    int
	finished    bool
	err         error
	tables      []tableMeta
	dataBytes   uint64
	indexBytes  uint64
	filterBytes uint64
}

// partition owns one shard's active buffer and compaction slot.
// Generations within a partition are serialized by the busy flag;
// sealing while a compaction is in flight blocks, which is what
// bounds total memory to roughly two buffers per partition.
type partition struct {
	id   int
	mu   sync.Mutex
	cond *sync.Cond
	buf  *mbuf.Buffer
	busy bool
	seq  int
}

// Open creates a directory for writing at dirname.
func Open(opts DirOptions, dirname string) (*DirWriter, error) {
	opts.sanitize()
	if err := opts.FS.MkdirAll(dirname); err != nil {
		return nil, fmt.Errorf("burstdir: create dir: %w", err)
	}
	nparts := 1 << opts.LgParts
	// Each partition double-buffers: one accumulating, one being
	// compacted, so a share is half the per-partition budget.
	share := opts.TotalMemtableBudget / (2 * nparts)
	if share < 1<<10 {
		share = 1 << 10
	}
	// Buffer arena offsets are 32-bit; a share must stay well inside
	// that range.
	if share > 1<<30 {
		share = 1 << 30
	}
	w := &DirWriter{
		opts:       opts,
		dir:        dirname,
		log:        opts.Logger,
		mask:       uint32(nparts - 1),
		partBudget: share,
		parts:      make([]*partition, nparts),
	}
	for i := range w.parts {
		p := &partition{id: i, buf: mbuf.New(share)}
		p.cond = sync.NewCond(&p.mu)
		w.parts[i] = p
	}
	return w, nil
}

// Append stores value under key within the given epoch. The epoch
// must not precede the current one; an epoch beyond the current one
// seals the running generation first and advances. Append blocks when
// the key's partition is out of buffer space and its previous
// compaction has not finished.
func (w *DirWriter) Append(key, value []byte, epoch int) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return ErrFinished
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	if epoch < w.curEpoch {
		cur := w.curEpoch
		w.mu.Unlock()
		return fmt.Errorf("%w: epoch %d precedes current epoch %d", ErrInvalidArgument, epoch, cur)
	}
	sealEpoch := -1
	if epoch > w.curEpoch {
		sealEpoch = w.curEpoch
		w.curEpoch = epoch
	}
	w.mu.Unlock()

	if sealEpoch >= 0 {
		if err := w.sealAll(sealEpoch); err != nil {
			return err
		}
	}

	p := w.parts[partitionOf(key, w.mask)]
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Add(key, value)
	if p.buf.MemoryUsage() >= w.partBudget {
		return w.sealPartitionLocked(p, epoch)
	}
	return nil
}

// EpochFlush seals every partition's buffer as belonging to epoch,
// which must be the current epoch, and advances the epoch counter.
// It returns once the resulting compactions are enqueued; they are
// guaranteed complete only by Finish.
func (w *DirWriter) EpochFlush(epoch int) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return ErrFinished
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	if epoch != w.curEpoch {
		cur := w.curEpoch
		w.mu.Unlock()
		return fmt.Errorf("%w: epoch flush %d, current epoch is %d", ErrInvalidArgument, epoch, cur)
	}
	w.curEpoch = epoch + 1
	w.mu.Unlock()
	return w.sealAll(epoch)
}

// Finish seals the remaining buffers, waits for every outstanding
// compaction, and writes the manifest. The writer is unusable
// afterwards; further calls return ErrFinished.
func (w *DirWriter) Finish() error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return ErrFinished
	}
	w.finished = true
	epoch := w.curEpoch
	w.mu.Unlock()

	sealErr := w.sealAll(epoch)
	w.pending.Wait()
	if err := w.errSnapshot(); err != nil {
		return err
	}
	if sealErr != nil {
		return sealErr
	}

	w.mu.Lock()
	tables := make([]tableMeta, len(w.tables))
	copy(tables, w.tables)
	w.mu.Unlock()
	sort.Slice(tables, func(i, j int) bool {
		a, b := tables[i], tables[j]
		if a.part != b.part {
			return a.part < b.part
		}
		if a.epoch != b.epoch {
			return a.epoch < b.epoch
		}
		return a.seq < b.seq
	})

	man := manifest{
		lgParts:     w.opts.LgParts,
		keySize:     w.opts.KeySize,
		valueSize:   w.opts.ValueSize,
		uniqueKeys:  w.opts.UniqueKeys,
		skipSort:    w.opts.SkipSort,
		compression: w.opts.Compression,
		tables:      tables,
	}
	f, err := w.opts.FS.CreateWritable(w.dir + "/" + manifestName)
	if err != nil {
		return fmt.Errorf("burstdir: create manifest: %w", err)
	}
	if _, err := f.Write(man.encode()); err != nil {
		f.Close()
		return fmt.Errorf("burstdir: write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("burstdir: sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("burstdir: close manifest: %w", err)
	}
	w.log.Info("directory finished",
		zap.String("dir", w.dir),
		zap.Int("epochs", epoch+1),
		zap.Int("tables", len(tables)))
	return nil
}

func (w *DirWriter) sealAll(epoch int) error {
	for _, p := range w.parts {
		p.mu.Lock()
		err := w.sealPartitionLocked(p, epoch)
		p.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// sealPartitionLocked hands the partition's buffer to compaction.
// Empty buffers produce no table. Called with p.mu held.
func (w *DirWriter) sealPartitionLocked(p *partition, epoch int) error {
	if p.buf.NumEntries() == 0 {
		return nil
	}
	for p.busy {
		p.cond.Wait()
	}
	if err := w.errSnapshot(); err != nil {
		return err
	}

	buf := p.buf
	p.buf = mbuf.New(w.partBudget)
	seq := p.seq
	p.seq++
	w.pending.Add(1)

	if w.opts.CompactionPool == nil {
		w.compact(p.id, buf, epoch, seq)
		return w.errSnapshot()
	}
	p.busy = true
	w.opts.CompactionPool.Submit(func() {
		w.compact(p.id, buf, epoch, seq)
		p.mu.Lock()
		p.busy = false
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	return nil
}

// compact builds one table generation from a sealed buffer and, on
// success, records it for the manifest. The first failure poisons the
// writer and is surfaced on the next call into it.
func (w *DirWriter) compact(part int, buf *mbuf.Buffer, epoch, seq int) {
	defer w.pending.Done()
	start := time.Now()
	buf.Finish(!w.opts.SkipSort)

	name := tableName(w.dir, part, seq)
	sizes, err := w.buildTable(name, buf)
	if err != nil {
		w.setErr(err)
		// Leave no partial table behind.
		w.opts.FS.Remove(name)
		w.log.Error("compaction failed",
			zap.Int("partition", part),
			zap.Int("epoch", epoch),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.tables = append(w.tables, tableMeta{part: part, epoch: epoch, seq: seq, size: int64(sizes.FileSize)})
	w.dataBytes += sizes.DataBytes
	w.indexBytes += sizes.IndexBytes
	w.filterBytes += sizes.FilterBytes
	w.mu.Unlock()

	w.log.Debug("compacted table",
		zap.Int("partition", part),
		zap.Int("epoch", epoch),
		zap.Int("seq", seq),
		zap.Int("entries", buf.NumEntries()),
		zap.Uint64("file_size", sizes.FileSize),
		zap.Duration("elapsed", time.Since(start)))
}

func (w *DirWriter) buildTable(name string, buf *mbuf.Buffer) (dtbl.Sizes, error) {
	f, err := w.opts.FS.CreateWritable(name)
	if err != nil {
		return dtbl.Sizes{}, fmt.Errorf("burstdir: create table: %w", err)
	}
	b := dtbl.NewBuilder(f, w.opts.buildOptions(), &w.counters)
	it := buf.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		b.Add(it.Key(), it.Value())
	}
	sizes, err := b.Finish()
	if err != nil {
		f.Close()
		return dtbl.Sizes{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dtbl.Sizes{}, fmt.Errorf("burstdir: sync table: %w", err)
	}
	if err := f.Close(); err != nil {
		return dtbl.Sizes{}, fmt.Errorf("burstdir: close table: %w", err)
	}
	return sizes, nil
}

func (w *DirWriter) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *DirWriter) errSnapshot() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// MemoryUsage reports the bytes currently held in active write
// buffers across all partitions.
func (w *DirWriter) MemoryUsage() int {
	total := 0
	for _, p := range w.parts {
		p.mu.Lock()
		total += p.buf.MemoryUsage()
		p.mu.Unlock()
	}
	return total
}

// EstimatedTableSize is the rough size of one table generation: a
// partition's buffer share, which compaction turns into one table.
func (w *DirWriter) EstimatedTableSize() int {
	return w.partBudget
}

// NumTables reports the table generations compacted so far.
func (w *DirWriter) NumTables() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tables)
}

// DataSize reports cumulative physical data-block bytes written.
func (w *DirWriter) DataSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataBytes
}

// IndexSize reports cumulative physical index-block bytes written.
func (w *DirWriter) IndexSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexBytes
}

// FilterSize reports cumulative physical filter bytes written.
func (w *DirWriter) FilterSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filterBytes
}

// IoStats snapshots the writer's cumulative physical I/O counters.
func (w *DirWriter) IoStats() IoStats {
	return statsSnapshot(&w.counters)
}

// Destroy removes a directory's tables and manifest. A directory that
// does not exist is not an error. Best effort: the first removal error
// is returned after attempting the rest.
func Destroy(opts DirOptions, dirname string) error {
	opts.sanitize()
	names, err := opts.FS.List(dirname)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("burstdir: list dir: %w", err)
	}
	var firstErr error
	for _, name := range names {
		if err := opts.FS.Remove(dirname + "/" + name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
