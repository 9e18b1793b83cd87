package wire

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Packer builds a control-message payload by appending fixed- and
// variable-width fields in order. It tracks the first error encountered so
// callers can chain Pack* calls and check Err once at the end, the same
// sticky-error convention as the teacher's utils/wrappers.Packer.
type Packer struct {
	Bytes []byte
	Err   error
}

// NewPacker returns a Packer with its backing slice pre-sized to sizeHint
// bytes.
func NewPacker(sizeHint int) *Packer {
	return &Packer{Bytes: make([]byte, 0, sizeHint)}
}

// Byte appends a single byte.
func (p *Packer) Byte(b byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b)
}

// Uint16 appends a big-endian uint16.
func (p *Packer) Uint16(v uint16) {
	if p.Err != nil {
		return
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	p.Bytes = append(p.Bytes, buf[:]...)
}

// Uint32 appends a big-endian uint32.
func (p *Packer) Uint32(v uint32) {
	if p.Err != nil {
		return
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	p.Bytes = append(p.Bytes, buf[:]...)
}

// Uint64 appends a big-endian uint64.
func (p *Packer) Uint64(v uint64) {
	if p.Err != nil {
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	p.Bytes = append(p.Bytes, buf[:]...)
}

// Bytes32 appends a uint32 length prefix followed by b.
func (p *Packer) Bytes32(b []byte) {
	if p.Err != nil {
		return
	}
	p.Uint32(uint32(len(b)))
	p.Bytes = append(p.Bytes, b...)
}

// Bytes16 appends a uint16 length prefix followed by b, for fields bounded
// to 64 KiB (e.g. a StageError detail string).
func (p *Packer) Bytes16(b []byte) {
	if p.Err != nil {
		return
	}
	if len(b) > 1<<16-1 {
		p.Err = errors.Newf("wire: field of %d bytes exceeds uint16 length prefix", len(b))
		return
	}
	p.Uint16(uint16(len(b)))
	p.Bytes = append(p.Bytes, b...)
}

// String32 appends s as a uint32-length-prefixed UTF-8 byte string.
func (p *Packer) String32(s string) { p.Bytes32([]byte(s)) }

// Unpacker reads fields back out of a byte slice in the order a Packer
// wrote them, tracking the first error and refusing to read past the end
// of the buffer.
type Unpacker struct {
	Bytes []byte
	off   int
	Err   error
}

// NewUnpacker wraps b for sequential field reads.
func NewUnpacker(b []byte) *Unpacker { return &Unpacker{Bytes: b} }

func (u *Unpacker) require(n int) bool {
	if u.Err != nil {
		return false
	}
	if u.off+n > len(u.Bytes) {
		u.Err = errors.Newf("wire: unexpected end of frame reading %d bytes at offset %d (len %d)", n, u.off, len(u.Bytes))
		return false
	}
	return true
}

// Byte reads a single byte.
func (u *Unpacker) Byte() byte {
	if !u.require(1) {
		return 0
	}
	b := u.Bytes[u.off]
	u.off++
	return b
}

// Uint16 reads a big-endian uint16.
func (u *Unpacker) Uint16() uint16 {
	if !u.require(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(u.Bytes[u.off:])
	u.off += 2
	return v
}

// Uint32 reads a big-endian uint32.
func (u *Unpacker) Uint32() uint32 {
	if !u.require(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(u.Bytes[u.off:])
	u.off += 4
	return v
}

// Uint64 reads a big-endian uint64.
func (u *Unpacker) Uint64() uint64 {
	if !u.require(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(u.Bytes[u.off:])
	u.off += 8
	return v
}

// Bytes32 reads a uint32-length-prefixed byte string.
func (u *Unpacker) Bytes32() []byte {
	n := u.Uint32()
	if !u.require(int(n)) {
		return nil
	}
	b := append([]byte(nil), u.Bytes[u.off:u.off+int(n)]...)
	u.off += int(n)
	return b
}

// Bytes16 reads a uint16-length-prefixed byte string.
func (u *Unpacker) Bytes16() []byte {
	n := u.Uint16()
	if !u.require(int(n)) {
		return nil
	}
	b := append([]byte(nil), u.Bytes[u.off:u.off+int(n)]...)
	u.off += int(n)
	return b
}

// String32 reads a uint32-length-prefixed UTF-8 string.
func (u *Unpacker) String32() string { return string(u.Bytes32()) }

// Done reports whether every byte of the buffer has been consumed; callers
// use it to reject trailing garbage in a frame.
func (u *Unpacker) Done() bool { return u.Err == nil && u.off == len(u.Bytes) }
