package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketReader reads big-endian fields from a byte slice. The first short read
// is remembered and every later read returns zero values; check Err once at the
// end of a block.
type PacketReader struct {
	data []byte
	off  int
	err  error
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

func (r *PacketReader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes for %s at offset %d, have %d",
			ErrMalformedPacket, n, what, r.off, len(r.data)-r.off)
		return false
	}
	return true
}

// ReadUint8 reads a single byte.
func (r *PacketReader) ReadUint8() uint8 {
	if !r.need(1, "byte") {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadUint16 reads a big-endian uint16.
func (r *PacketReader) ReadUint16() uint16 {
	if !r.need(2, "uint16") {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadUint32 reads a big-endian uint32.
func (r *PacketReader) ReadUint32() uint32 {
	if !r.need(4, "uint32") {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadString reads a [length:1][bytes] string.
func (r *PacketReader) ReadString() string {
	n := int(r.ReadUint8())
	return string(r.ReadBytes(n))
}

// ReadBytes returns the next n bytes without copying.
func (r *PacketReader) ReadBytes(n int) []byte {
	if !r.need(n, "bytes") {
		return nil
	}
	v := r.data[r.off : r.off+n]
	r.off += n
	return v
}

// Skip advances past n bytes.
func (r *PacketReader) Skip(n int) {
	if r.need(n, "skip") {
		r.off += n
	}
}

// Offset returns the current read position.
func (r *PacketReader) Offset() int {
	return r.off
}

// Seek moves the read position to an absolute offset within the data.
func (r *PacketReader) Seek(off int) {
	if r.err != nil {
		return
	}
	if off < 0 || off > len(r.data) {
		r.err = fmt.Errorf("%w: seek to %d outside %d bytes", ErrMalformedPacket, off, len(r.data))
		return
	}
	r.off = off
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first error encountered.
func (r *PacketReader) Err() error {
	return r.err
}
