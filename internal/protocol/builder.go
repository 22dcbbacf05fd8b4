package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs big-endian binary payloads.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]. Strings longer than 255 bytes are truncated.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Reserve16 writes a placeholder uint16 and returns its offset so it can be
// filled in later with Patch16 once the size of what follows is known.
func (b *PacketBuilder) Reserve16() int {
	off := b.buf.Len()
	b.buf.Write([]byte{0, 0})
	return off
}

// Patch16 overwrites the uint16 at offset off.
func (b *PacketBuilder) Patch16(off int, v uint16) {
	binary.BigEndian.PutUint16(b.buf.Bytes()[off:off+2], v)
}

// PatchSize16 stores at off the number of bytes written after the placeholder.
// It fails when the block does not fit in 16 bits.
func (b *PacketBuilder) PatchSize16(off int) error {
	size := b.buf.Len() - off - 2
	if size > 0xFFFF {
		return fmt.Errorf("block of %d bytes exceeds 16-bit size field", size)
	}
	b.Patch16(off, uint16(size))
	return nil
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
