package vectorstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ElementKind is the fixed element type of a stored vector.
type ElementKind uint8

const (
	KindF32 ElementKind = iota
	KindF16
	KindI8
	KindI16
	KindBinary
)

const (
	headerMagic   = "VECX"
	headerVersion = uint32(1)
	// HeaderSize is the on-disk header size: 64 bytes, one cache line.
	HeaderSize = 64
)

// Header is the on-disk, 64-byte-aligned vector header (spec.md §3).
type Header struct {
	Magic          [4]byte
	Version        uint32
	VectorID       uint64
	Inode          uint64
	ElementKind    ElementKind
	Compression    uint8
	Dimension      uint32
	OriginalSize   uint32
	StoredSize     uint32
	CreatedAtUnix  int64
	ModifiedAtUnix int64
	CRC32          uint32
	Flags          uint32
}

// Encode serializes the header into a fixed 64-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.VectorID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Inode)
	buf[24] = byte(h.ElementKind)
	buf[25] = h.Compression
	// buf[26:28] reserved for alignment
	binary.LittleEndian.PutUint32(buf[28:32], h.Dimension)
	binary.LittleEndian.PutUint32(buf[32:36], h.OriginalSize)
	binary.LittleEndian.PutUint32(buf[36:40], h.StoredSize)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.CreatedAtUnix))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.ModifiedAtUnix))
	binary.LittleEndian.PutUint32(buf[56:60], h.CRC32)
	binary.LittleEndian.PutUint32(buf[60:64], h.Flags)
	return buf
}

// DecodeHeader parses a 64-byte buffer into a Header, validating magic and
// version up front; any deviation fails with ErrCorrupt.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header length %d, want %d", ErrCorrupt, len(buf), HeaderSize)
	}
	var h Header
	copy(h.Magic[:], buf[0:4])
	if string(h.Magic[:]) != headerMagic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrCorrupt, h.Magic[:])
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != headerVersion {
		return Header{}, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, h.Version, headerVersion)
	}
	h.VectorID = binary.LittleEndian.Uint64(buf[8:16])
	h.Inode = binary.LittleEndian.Uint64(buf[16:24])
	h.ElementKind = ElementKind(buf[24])
	h.Compression = buf[25]
	h.Dimension = binary.LittleEndian.Uint32(buf[28:32])
	h.OriginalSize = binary.LittleEndian.Uint32(buf[32:36])
	h.StoredSize = binary.LittleEndian.Uint32(buf[36:40])
	h.CreatedAtUnix = int64(binary.LittleEndian.Uint64(buf[40:48]))
	h.ModifiedAtUnix = int64(binary.LittleEndian.Uint64(buf[48:56]))
	h.CRC32 = binary.LittleEndian.Uint32(buf[56:60])
	h.Flags = binary.LittleEndian.Uint32(buf[60:64])
	return h, nil
}

func newHeader(id, inode uint64, kind ElementKind, compression uint8, dim, origSize, storedSize uint32, createdAt, modifiedAt int64, payload []byte) Header {
	h := Header{
		Version:        headerVersion,
		VectorID:       id,
		Inode:          inode,
		ElementKind:    kind,
		Compression:    compression,
		Dimension:      dim,
		OriginalSize:   origSize,
		StoredSize:     storedSize,
		CreatedAtUnix:  createdAt,
		ModifiedAtUnix: modifiedAt,
		CRC32:          crc32.ChecksumIEEE(payload),
	}
	copy(h.Magic[:], headerMagic)
	return h
}

func alignedSize(n uint32) uint32 {
	const align = 64
	return ((n + align - 1) / align) * align
}
