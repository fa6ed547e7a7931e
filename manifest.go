package burstdir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// The manifest is the durable record of which tables exist, per
// partition and in what order, plus the configuration a reader needs
// to reopen the directory consistently. It is written once, by
// Finish, and carries a blake3 checksum over its whole body.

const (
	manifestName  = "MANIFEST"
	manifestMagic = "BDIRMAN1"

	manifestVersion = 1

	manifestFlagUniqueKeys = 1 << 0
	manifestFlagSkipSort   = 1 << 1
)

// tableMeta describes one table generation.
type tableMeta struct {
	part  int
	epoch int
	seq   int
	size  int64
}

type manifest struct {
	lgParts     int
	keySize     int
	valueSize   int
	uniqueKeys  bool
	skipSort    bool
	compression CompressionType
	tables      []tableMeta
}

func (m *manifest) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(manifestMagic)
	buf.WriteByte(manifestVersion)
	writeUvarint(&buf, uint64(m.lgParts))
	writeUvarint(&buf, uint64(m.keySize))
	writeUvarint(&buf, uint64(m.valueSize))
	var flags byte
	if m.uniqueKeys {
		flags |= manifestFlagUniqueKeys
	}
	if m.skipSort {
		flags |= manifestFlagSkipSort
	}
	buf.WriteByte(flags)
	buf.WriteByte(byte(m.compression))
	writeUvarint(&buf, uint64(len(m.tables)))
	for _, t := range m.tables {
		writeUvarint(&buf, uint64(t.part))
		writeUvarint(&buf, uint64(t.epoch))
		writeUvarint(&buf, uint64(t.seq))
		writeUvarint(&buf, uint64(t.size))
	}
	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func decodeManifest(data []byte) (*manifest, error) {
	if len(data) < len(manifestMagic)+1+32 {
		return nil, fmt.Errorf("%w: manifest too short", ErrCorruption)
	}
	body, sum := data[:len(data)-32], data[len(data)-32:]
	if want := blake3.Sum256(body); !bytes.Equal(sum, want[:]) {
		return nil, fmt.Errorf("%w: manifest checksum mismatch", ErrCorruption)
	}
	if string(body[:len(manifestMagic)]) != manifestMagic {
		return nil, fmt.Errorf("%w: bad manifest magic", ErrCorruption)
	}
	if body[len(manifestMagic)] != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", ErrCorruption, body[len(manifestMagic)])
	}

	r := bytes.NewReader(body[len(manifestMagic)+1:])
	var m manifest
	var err error
	if m.lgParts, err = readUvarintInt(r); err != nil {
		return nil, err
	}
	if m.keySize, err = readUvarintInt(r); err != nil {
		return nil, err
	}
	if m.valueSize, err = readUvarintInt(r); err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: manifest flags", ErrCorruption)
	}
	m.uniqueKeys = flags&manifestFlagUniqueKeys != 0
	m.skipSort = flags&manifestFlagSkipSort != 0
	codec, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: manifest codec", ErrCorruption)
	}
	m.compression = CompressionType(codec)
	count, err := readUvarintInt(r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		var t tableMeta
		if t.part, err = readUvarintInt(r); err != nil {
			return nil, err
		}
		if t.epoch, err = readUvarintInt(r); err != nil {
			return nil, err
		}
		if t.seq, err = readUvarintInt(r); err != nil {
			return nil, err
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest table size", ErrCorruption)
		}
		t.size = int64(size)
		m.tables = append(m.tables, t)
	}
	return &m, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarintInt(r io.ByteReader) (int, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated manifest", ErrCorruption)
	}
	return int(v), nil
}

// tableName is the on-disk name of a table generation.
func tableName(dir string, part, seq int) string {
	return fmt.Sprintf("%s/T-%02d-%06d.tbl", dir, part, seq)
}
