package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestFrameParseHeaderRoundTrip(t *testing.T) {
	payloads := [][]byte{nil, {}, {0x01}, bytes.Repeat([]byte{0xAB}, MaxPayloadSize)}
	seqs := []uint16{0, 1, 0x7FFF, 0x8000, 0xFFFF}

	for typ := PacketType(0); typ < TypeCount; typ++ {
		for _, reliable := range []bool{false, true} {
			for _, seq := range seqs {
				for _, p := range payloads {
					data := Frame(typ, reliable, seq, p)
					h, err := ParseHeader(data)
					if err != nil {
						t.Fatalf("ParseHeader(%s,%v,%d): %v", typ, reliable, seq, err)
					}
					if h.Type != typ || h.Reliable != reliable || h.Sequence != seq {
						t.Fatalf("round trip mismatch: got %+v want {%s %v %d}", h, typ, reliable, seq)
					}
					if !bytes.Equal(Payload(data), p) && len(p) > 0 {
						t.Fatalf("payload mismatch for %s", typ)
					}
				}
			}
		}
	}
}

func TestFrameLayout(t *testing.T) {
	data := Frame(ReliableData, true, 0x1234, []byte{0xAA, 0xBB})
	want := []byte{0x84, 0x12, 0x34, 0xAA, 0xBB}
	if !bytes.Equal(data, want) {
		t.Fatalf("unexpected frame bytes: %x want %x", data, want)
	}
}

func TestParseHeaderShort(t *testing.T) {
	for _, data := range [][]byte{nil, {0x01}, {0x01, 0x02}} {
		if _, err := ParseHeader(data); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("expected ErrMalformedPacket for %x, got %v", data, err)
		}
	}
}

func TestParseHeaderUnknownType(t *testing.T) {
	h, err := ParseHeader([]byte{0x0E, 0x00, 0x01})
	if err != nil {
		t.Fatalf("unknown type must not be an error: %v", err)
	}
	if h.Type != TypeUnknown {
		t.Fatalf("expected TypeUnknown, got %v", h.Type)
	}
	if h.Type.String() != "unknown" {
		t.Fatalf("unexpected name %q", h.Type.String())
	}
}

func TestPacketTypeWireValues(t *testing.T) {
	cases := []struct {
		typ  PacketType
		wire byte
		name string
	}{
		{ConnectRequest, 0x00, "connect_request"},
		{ConnectAccept, 0x01, "connect_accept"},
		{ConnectRefuse, 0x02, "connect_refuse"},
		{KeepAlive, 0x03, "keep_alive"},
		{ReliableData, 0x04, "reliable_data"},
		{UnreliableData, 0x05, "unreliable_data"},
		{Disconnect, 0x06, "disconnect"},
		{Ack, 0x07, "ack"},
	}
	for _, tc := range cases {
		if byte(tc.typ) != tc.wire || tc.typ.String() != tc.name || !tc.typ.Valid() {
			t.Fatalf("%s: wire %#x valid %v", tc.name, byte(tc.typ), tc.typ.Valid())
		}
		if got := Frame(tc.typ, false, 0, nil)[0]; got != tc.wire {
			t.Fatalf("%s framed as %#x", tc.name, got)
		}
	}
}

func TestAckPayload(t *testing.T) {
	seq, err := ParseAckPayload(AckPayload(0xBEEF))
	if err != nil || seq != 0xBEEF {
		t.Fatalf("ack payload round trip: %d %v", seq, err)
	}
	if _, err := ParseAckPayload([]byte{1}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected malformed for short ack, got %v", err)
	}
}

func TestAddressKey(t *testing.T) {
	ip := net.IPv4(10, 0, 0, 1)
	want := uint64(0x0A000001)*7777 + 7777
	if got := AddressKey(ip, 7777); got != want {
		t.Fatalf("AddressKey = %d, want %d", got, want)
	}
	if AddressKey(ip, 7777) == AddressKey(ip, 7778) {
		t.Fatalf("different ports must produce different keys")
	}
	if got := UDPAddressKey(&net.UDPAddr{IP: ip, Port: 7777}); got != want {
		t.Fatalf("UDPAddressKey = %d, want %d", got, want)
	}
}

func TestBuilderReader(t *testing.T) {
	b := NewPacketBuilder()
	off := b.Reserve16()
	b.WriteString("Player").WriteUint16(513).WriteUint32(70000).WriteByte(9)
	if err := b.PatchSize16(off); err != nil {
		t.Fatalf("PatchSize16: %v", err)
	}

	r := NewPacketReader(b.Build())
	size := r.ReadUint16()
	if int(size) != r.Remaining() {
		t.Fatalf("size field %d, remaining %d", size, r.Remaining())
	}
	if s := r.ReadString(); s != "Player" {
		t.Fatalf("ReadString = %q", s)
	}
	if v := r.ReadUint16(); v != 513 {
		t.Fatalf("ReadUint16 = %d", v)
	}
	if v := r.ReadUint32(); v != 70000 {
		t.Fatalf("ReadUint32 = %d", v)
	}
	if v := r.ReadUint8(); v != 9 {
		t.Fatalf("ReadUint8 = %d", v)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.ReadUint16()
	if !errors.Is(r.Err(), ErrMalformedPacket) {
		t.Fatalf("expected sticky malformed error, got %v", r.Err())
	}
}
