package dtbl

import (
	"github.com/spaolacci/murmur3"
)

// filterBuilder accumulates key hashes and emits a bloom filter sized
// at bitsPerKey bits per distinct key. The filter never produces
// false negatives; bitsPerKey bounds the false-positive rate.
type filterBuilder struct {
	bitsPerKey int
	hashes     []uint32
}

func newFilterBuilder(bitsPerKey int) *filterBuilder {
	return &filterBuilder{bitsPerKey: bitsPerKey}
}

func (f *filterBuilder) AddKey(key []byte) {
	f.hashes = append(f.hashes, murmur3.Sum32(key))
}

func (f *filterBuilder) NumKeys() int {
	return len(f.hashes)
}

// Build serializes the filter: the bit array followed by one byte
// holding the probe count.
func (f *filterBuilder) Build() []byte {
	bits := len(f.hashes) * f.bitsPerKey
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	filter := make([]byte, nBytes+1)
	k := probeCount(f.bitsPerKey)
	filter[nBytes] = k

	for _, h := range f.hashes {
		delta := (h >> 17) | (h << 15)
		for j := uint8(0); j < k; j++ {
			bitPos := h % uint32(bits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	return filter
}

// probeCount is the standard bloom optimum, ln(2) * bits-per-key.
func probeCount(bitsPerKey int) uint8 {
	k := uint8(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	} else if k > 30 {
		k = 30
	}
	return k
}

// filterMayContain tests a serialized filter. Keys that were inserted
// always test positive.
func filterMayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return true
	}
	k := filter[len(filter)-1]
	if k > 30 {
		// Reserved encoding, treat as a match.
		return true
	}
	bits := uint32(len(filter)-1) * 8
	h := murmur3.Sum32(key)
	delta := (h >> 17) | (h << 15)
	for j := uint8(0); j < k; j++ {
		bitPos := h % bits
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
