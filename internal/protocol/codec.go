package protocol

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrMalformedPacket is returned when a datagram is too short to hold a header.
var ErrMalformedPacket = errors.New("malformed packet")

// Frame builds a datagram from its header fields and payload.
func Frame(t PacketType, reliable bool, seq uint16, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), t, reliable, seq, payload)
}

// AppendFrame appends a framed datagram to dst and returns the extended slice.
func AppendFrame(dst []byte, t PacketType, reliable bool, seq uint16, payload []byte) []byte {
	b := byte(t) & typeMask
	if reliable {
		b |= ReliableFlag
	}
	dst = append(dst, b)
	dst = binary.BigEndian.AppendUint16(dst, seq)
	return append(dst, payload...)
}

// ParseHeader decodes the fixed header of a datagram.
// A type nibble outside the known set yields TypeUnknown without an error so
// the caller can drop the datagram silently.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{Type: TypeUnknown}, ErrMalformedPacket
	}

	h := Header{
		Type:     PacketType(data[0] & typeMask),
		Reliable: data[0]&ReliableFlag != 0,
		Sequence: binary.BigEndian.Uint16(data[1:3]),
	}
	if !h.Type.Valid() {
		h.Type = TypeUnknown
	}
	return h, nil
}

// Payload returns the bytes following the header, or nil for a short datagram.
func Payload(data []byte) []byte {
	if len(data) <= HeaderSize {
		return nil
	}
	return data[HeaderSize:]
}

// AckPayload encodes the payload of an Ack datagram.
func AckPayload(seq uint16) []byte {
	return binary.BigEndian.AppendUint16(make([]byte, 0, AckPayloadSize), seq)
}

// ParseAckPayload decodes the sequence carried by an Ack datagram.
func ParseAckPayload(payload []byte) (uint16, error) {
	if len(payload) < AckPayloadSize {
		return 0, ErrMalformedPacket
	}
	return binary.BigEndian.Uint16(payload), nil
}

// AddressKey packs a peer address into the 64-bit demultiplexing key
// address*port + port. IPv6 peers are folded through their low 32 bits.
// Collisions between distinct peers are not resolved.
func AddressKey(ip net.IP, port int) uint64 {
	var addr uint32
	if v4 := ip.To4(); v4 != nil {
		addr = binary.BigEndian.Uint32(v4)
	} else if len(ip) == net.IPv6len {
		addr = binary.BigEndian.Uint32(ip[12:])
	}
	p := uint64(port)
	return uint64(addr)*p + p
}

// UDPAddressKey is AddressKey for a *net.UDPAddr.
func UDPAddressKey(addr *net.UDPAddr) uint64 {
	if addr == nil {
		return 0
	}
	return AddressKey(addr.IP, addr.Port)
}
