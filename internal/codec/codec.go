// Package codec implements the fixed-width big-endian marshal/unmarshal
// contract used by the neighbor-discovery wire structs (§4.1). Every
// protocol struct declares a compile-time Size and two operations,
// Append and Bind, that advance a caller-owned buffer offset by exactly
// Size bytes. Grounded on the hand-rolled offset bookkeeping used across
// the pack's ND/RA implementations (e.g. AdGuardHome's routeradv.go),
// generalized into a reusable offset type instead of one-off byte
// indices.
package codec

import (
	"encoding/binary"

	"github.com/banksean/vminitd/internal/agenterr"
)

// Struct is implemented by every fixed-width protocol type.
type Struct interface {
	// Size is the exact number of bytes this struct occupies on the wire.
	Size() int
}

// Buffer is a fixed-length, caller-owned byte sequence addressed by
// explicit offsets. Unlike bytes.Buffer, Buffer supports random-access
// writes (Put*) and reads (Get*) into an existing slice; an access past
// the end fails rather than growing it.
type Buffer struct {
	b []byte
}

// NewBuffer allocates a Buffer of exactly n zeroed bytes, as required by
// the "fresh buffer of exact size" contract: callers never partially
// reuse a buffer across a failed marshal.
func NewBuffer(n int) *Buffer {
	return &Buffer{b: make([]byte, n)}
}

// Wrap adapts an existing slice (e.g. one just read off a socket) for
// Bind operations.
func Wrap(b []byte) *Buffer { return &Buffer{b: b} }

func (bu *Buffer) Bytes() []byte { return bu.b }
func (bu *Buffer) Len() int      { return len(bu.b) }

func (bu *Buffer) checkRange(typeName, field string, off, n int) error {
	if off < 0 || off+n > len(bu.b) {
		return agenterr.Marshal(typeName, field, "bind")
	}
	return nil
}

// PutU8 writes a single byte at off, returning off+1.
func (bu *Buffer) PutU8(typeName, field string, off int, v uint8) (int, error) {
	if err := bu.checkRange(typeName, field, off, 1); err != nil {
		return off, agenterr.Marshal(typeName, field, "append")
	}
	bu.b[off] = v
	return off + 1, nil
}

// PutU16 writes a big-endian uint16 at off, returning off+2.
func (bu *Buffer) PutU16(typeName, field string, off int, v uint16) (int, error) {
	if err := bu.checkRange(typeName, field, off, 2); err != nil {
		return off, agenterr.Marshal(typeName, field, "append")
	}
	binary.BigEndian.PutUint16(bu.b[off:], v)
	return off + 2, nil
}

// PutU32 writes a big-endian uint32 at off, returning off+4.
func (bu *Buffer) PutU32(typeName, field string, off int, v uint32) (int, error) {
	if err := bu.checkRange(typeName, field, off, 4); err != nil {
		return off, agenterr.Marshal(typeName, field, "append")
	}
	binary.BigEndian.PutUint32(bu.b[off:], v)
	return off + 4, nil
}

// PutBytes copies raw bytes at off, returning off+len(v).
func (bu *Buffer) PutBytes(typeName, field string, off int, v []byte) (int, error) {
	if err := bu.checkRange(typeName, field, off, len(v)); err != nil {
		return off, agenterr.Marshal(typeName, field, "append")
	}
	copy(bu.b[off:], v)
	return off + len(v), nil
}

// GetU8 reads a single byte at off, returning (value, off+1).
func (bu *Buffer) GetU8(typeName, field string, off int) (uint8, int, error) {
	if err := bu.checkRange(typeName, field, off, 1); err != nil {
		return 0, off, err
	}
	return bu.b[off], off + 1, nil
}

// GetU16 reads a big-endian uint16 at off, returning (value, off+2).
func (bu *Buffer) GetU16(typeName, field string, off int) (uint16, int, error) {
	if err := bu.checkRange(typeName, field, off, 2); err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint16(bu.b[off:]), off + 2, nil
}

// GetU32 reads a big-endian uint32 at off, returning (value, off+4).
func (bu *Buffer) GetU32(typeName, field string, off int) (uint32, int, error) {
	if err := bu.checkRange(typeName, field, off, 4); err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint32(bu.b[off:]), off + 4, nil
}

// GetBytes reads n raw bytes at off, returning (value, off+n). The
// returned slice aliases the buffer; callers that retain it must copy.
func (bu *Buffer) GetBytes(typeName, field string, off, n int) ([]byte, int, error) {
	if err := bu.checkRange(typeName, field, off, n); err != nil {
		return nil, off, err
	}
	return bu.b[off : off+n], off + n, nil
}

// ICMPChecksum computes the 16-bit one's-complement checksum over b: sum
// of 16-bit big-endian words with carry fold, an odd trailing byte
// high-padded, and the final result bit-complemented. Callers must zero
// the placeholder checksum bytes in b before calling this, then patch
// the result back into those bytes in place, never recompute from a
// partially written buffer.
func ICMPChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
