package entity

import (
	"fmt"

	"github.com/replicon-project/replicon/internal/protocol"
)

// Spawn announces a published entity to receivers.
type Spawn struct {
	ID    uint16 `json:"id"`
	Class string `json:"class"`
}

// EncodeSpawns writes [count:2]{[nameLen:1][name][id:2]}.
func EncodeSpawns(spawns []Spawn) []byte {
	b := protocol.NewPacketBuilder()
	b.WriteUint16(uint16(len(spawns)))
	for _, s := range spawns {
		b.WriteString(s.Class).WriteUint16(s.ID)
	}
	return b.Build()
}

// ParseSpawns reads a message written by EncodeSpawns.
func ParseSpawns(data []byte) ([]Spawn, error) {
	spawns, _, err := SplitSpawns(data)
	return spawns, err
}

// SplitSpawns reads the spawn list at the start of data and returns the bytes
// that follow it. Spawn messages built by SpawnMessages carry the initial
// entity state there.
func SplitSpawns(data []byte) ([]Spawn, []byte, error) {
	r := protocol.NewPacketReader(data)
	n := int(r.ReadUint16())
	out := make([]Spawn, 0, min(n, len(data)/3))
	for i := 0; i < n; i++ {
		class := r.ReadString()
		id := r.ReadUint16()
		if err := r.Err(); err != nil {
			return nil, nil, fmt.Errorf("spawn %d: %w", i, err)
		}
		out = append(out, Spawn{ID: id, Class: class})
	}
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	return out, data[r.Offset():], nil
}

// EncodeDespawns writes [count:2]{[id:2]}.
func EncodeDespawns(ids []uint16) []byte {
	b := protocol.NewPacketBuilder()
	b.WriteUint16(uint16(len(ids)))
	for _, id := range ids {
		b.WriteUint16(id)
	}
	return b.Build()
}

// ParseDespawns reads a message written by EncodeDespawns.
func ParseDespawns(data []byte) ([]uint16, error) {
	r := protocol.NewPacketReader(data)
	n := int(r.ReadUint16())
	out := make([]uint16, 0, min(n, len(data)/2))
	for i := 0; i < n; i++ {
		out = append(out, r.ReadUint16())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
