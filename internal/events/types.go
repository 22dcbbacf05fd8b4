// Package events defines the event types and payloads published on the
// Replicon event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Peer lifecycle events
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventPeerRefused      EventType = "peer_refused"
	EventPeerUnresponsive EventType = "peer_unresponsive"
	EventPeerTimedOut     EventType = "peer_timed_out"

	// Replication events
	EventEntitySpawned   EventType = "entity_spawned"
	EventEntityDespawned EventType = "entity_despawned"

	// System events
	EventHealthChanged EventType = "health_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// CloseReason describes why a connection ended.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	CloseReasonLocal
	CloseReasonRemote
	CloseReasonTimeout
	CloseReasonUnresponsive
	CloseReasonShutdown
	CloseReasonConnectFailed
)

var closeReasonStrings = map[CloseReason]string{
	CloseReasonNone:          "none",
	CloseReasonLocal:         "local",
	CloseReasonRemote:        "remote",
	CloseReasonTimeout:       "timeout",
	CloseReasonUnresponsive:  "unresponsive",
	CloseReasonShutdown:      "shutdown",
	CloseReasonConnectFailed: "connect_failed",
}

// String returns the string representation of CloseReason.
func (r CloseReason) String() string {
	if str, ok := closeReasonStrings[r]; ok {
		return str
	}
	return "none"
}

// MarshalJSON serializes CloseReason as a JSON string (e.g. "timeout").
func (r CloseReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// PeerPayload accompanies every peer lifecycle event.
type PeerPayload struct {
	ConnID    uint32        `json:"conn_id"`
	SessionID string        `json:"session_id"`
	Remote    string        `json:"remote"`
	Ping      time.Duration `json:"ping"`
	Reason    CloseReason   `json:"reason"`
	At        time.Time     `json:"at"`
}

// EntityPayload accompanies entity spawn/despawn events.
type EntityPayload struct {
	EntityID  uint16 `json:"entity_id"`
	ClassName string `json:"class_name"`
}
