// Package protocol implements the datagram framing used by the Replicon
// transport. Every datagram starts with a 3-byte header: a type byte whose
// low nibble selects the packet type and whose high bit is the reliable flag,
// followed by a big-endian 16-bit sequence number. All multi-byte integers on
// the wire are big-endian.
package protocol

// PacketType identifies the purpose of a datagram.
type PacketType byte

// Packet types carried in the low nibble of the first header byte.
const (
	ConnectRequest PacketType = 0x00 // Client asks to join
	ConnectAccept  PacketType = 0x01 // Server admitted the client
	ConnectRefuse  PacketType = 0x02 // Server is full
	KeepAlive      PacketType = 0x03 // Empty heartbeat
	ReliableData   PacketType = 0x04 // Application payload, acknowledged
	UnreliableData PacketType = 0x05 // Application payload, fire and forget
	Disconnect     PacketType = 0x06 // Orderly close, best effort
	Ack            PacketType = 0x07 // Acknowledges a reliable sequence

	// TypeCount is the number of known packet types.
	TypeCount = 8

	// TypeUnknown is returned by ParseHeader for a type nibble outside the known set.
	TypeUnknown PacketType = 0xFF
)

const (
	// HeaderSize is the size of the fixed datagram header.
	HeaderSize = 3

	// ReliableFlag marks a datagram that must be acknowledged.
	ReliableFlag byte = 0x80

	// typeMask selects the type nibble.
	typeMask byte = 0x0F

	// MaxDatagramSize bounds every datagram read from or written to the socket.
	MaxDatagramSize = 1400

	// MaxPayloadSize is the largest payload that fits in one datagram.
	MaxPayloadSize = MaxDatagramSize - HeaderSize

	// AckPayloadSize is the size of the payload of an Ack datagram.
	AckPayloadSize = 2
)

var packetTypeNames = map[PacketType]string{
	ConnectRequest: "connect_request",
	ConnectAccept:  "connect_accept",
	ConnectRefuse:  "connect_refuse",
	KeepAlive:      "keep_alive",
	ReliableData:   "reliable_data",
	UnreliableData: "unreliable_data",
	Disconnect:     "disconnect",
	Ack:            "ack",
}

// String returns the lowercase name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return byte(t) < TypeCount
}

// Header is the decoded fixed header of a datagram.
type Header struct {
	Type     PacketType
	Reliable bool
	Sequence uint16
}
