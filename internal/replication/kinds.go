// Package replication connects the entity managers to the transport: the
// Host pushes server state to every connection each tick and the Replica
// applies it on the client.
package replication

import (
	"errors"
	"fmt"

	"github.com/replicon-project/replicon/internal/protocol"
)

// Kind is the first byte of every replication payload.
type Kind uint8

const (
	KindEntityState   Kind = 1
	KindEntitySpawn   Kind = 2
	KindEntityDespawn Kind = 3
	KindUser          Kind = 4

	// KindResync is sent by a replica that received state for an entity it
	// does not know. The host answers with every entity the peer may see.
	KindResync Kind = 5
)

var kindNames = map[Kind]string{
	KindEntityState:   "entity_state",
	KindEntitySpawn:   "entity_spawn",
	KindEntityDespawn: "entity_despawn",
	KindUser:          "user",
	KindResync:        "resync",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ErrUnknownKind is returned for payloads with an unrecognised kind byte.
var ErrUnknownKind = errors.New("unknown payload kind")

// maxBody is the largest body that fits one datagram after the kind byte.
const maxBody = protocol.MaxPayloadSize - 1

// Wrap prefixes body with its kind byte.
func Wrap(kind Kind, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(kind))
	return append(out, body...)
}

// Unwrap splits a payload into its kind and body.
func Unwrap(payload []byte) (Kind, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("empty payload: %w", protocol.ErrMalformedPacket)
	}
	kind := Kind(payload[0])
	if _, ok := kindNames[kind]; !ok {
		return kind, nil, fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}
	return kind, payload[1:], nil
}

// chunkDespawns splits ids into groups whose encoding fits limit bytes.
func chunkDespawns(ids []uint16, limit int) [][]uint16 {
	per := (limit - 2) / 2
	var out [][]uint16
	for len(ids) > per {
		out = append(out, ids[:per])
		ids = ids[per:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
