// Package mbuf provides the in-memory write buffer that stages one
// partition's entries between epoch flushes. A buffer is write-once:
// entries accumulate in a flat arena, Finish freezes the buffer
// (optionally sorting it), and a compaction drains it through an
// iterator. Buffers never perform I/O.
package mbuf

import (
	"bytes"
	"sort"
)

type entry struct {
	koff, klen uint32
	voff, vlen uint32
}

// Buffer is an append-only staging area for key-value entries.
type Buffer struct {
	arena   []byte
	entries []entry
	frozen  bool
}

// New creates a buffer with an arena capacity hint.
func New(capHint int) *Buffer {
	return &Buffer{
		arena: make([]byte, 0, capHint),
	}
}

// Add appends an entry. Must not be called after Finish.
func (b *Buffer) Add(key, value []byte) {
	koff := uint32(len(b.arena))
	b.arena = append(b.arena, key...)
	voff := uint32(len(b.arena))
	b.arena = append(b.arena, value...)
	b.entries = append(b.entries, entry{
		koff: koff, klen: uint32(len(key)),
		voff: voff, vlen: uint32(len(value)),
	})
}

// NumEntries reports the number of entries added so far.
func (b *Buffer) NumEntries() int {
	return len(b.entries)
}

// MemoryUsage reports the bytes consumed by entry payloads and
// bookkeeping. The writer compares this against its budget share.
func (b *Buffer) MemoryUsage() int {
	return len(b.arena) + len(b.entries)*16
}

// Finish freezes the buffer. With sorted set, entries are stably
// sorted by key so equal keys keep their insertion order; otherwise
// iteration order is raw insertion order (the caller guarantees its
// input was already key-ordered).
func (b *Buffer) Finish(sorted bool) {
	if b.frozen {
		return
	}
	b.frozen = true
	if !sorted {
		return
	}
	sort.SliceStable(b.entries, func(i, j int) bool {
		return bytes.Compare(b.key(b.entries[i]), b.key(b.entries[j])) < 0
	})
}

// Reset returns the buffer to its empty, unfrozen state, keeping the
// arena allocation.
func (b *Buffer) Reset() {
	b.arena = b.arena[:0]
	b.entries = b.entries[:0]
	b.frozen = false
}

func (b *Buffer) key(e entry) []byte {
	return b.arena[e.koff : e.koff+e.klen]
}

func (b *Buffer) value(e entry) []byte {
	return b.arena[e.voff : e.voff+e.vlen]
}

// Iterator is a restartable cursor over a frozen buffer, positioned
// over the buffer's stable sort order.
type Iterator struct {
	b   *Buffer
	pos int
}

// NewIterator returns an iterator over the frozen buffer.
func (b *Buffer) NewIterator() *Iterator {
	return &Iterator{b: b, pos: -1}
}

func (it *Iterator) SeekToFirst() { it.pos = 0 }

func (it *Iterator) SeekToLast() { it.pos = len(it.b.entries) - 1 }

func (it *Iterator) Next() { it.pos++ }

func (it *Iterator) Prev() { it.pos-- }

func (it *Iterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.b.entries)
}

func (it *Iterator) Key() []byte {
	return it.b.key(it.b.entries[it.pos])
}

func (it *Iterator) Value() []byte {
	return it.b.value(it.b.entries[it.pos])
}
