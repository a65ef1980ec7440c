package p2p

import (
	"encoding/json"
)

// Signaling carries room messages between the devices of a room.
// `relay.Client` is the production implementation.
type Signaling interface {
	// `to` is a device id
	Send(to string, payload json.RawMessage) error
	// callbacks receive the sending device id and the payload of each room message
	AddMessageCallback(callback func(from string, payload json.RawMessage)) func()
}

const (
	RoomMessageTypeSignal = "signal"
	RoomMessageTypePeer   = "peer"
)

// `peer` announces presence. `signal` carries one negotiation step.
// Sessions identify a device's peer entry, so a device that restarts gets a fresh negotiation
// and late signals for a replaced entry are dropped.
type RoomMessage struct {
	Type          string         `json:"type"`
	Session       string         `json:"session,omitempty"`
	TargetSession string         `json:"targetSession,omitempty"`
	Payload       *SignalPayload `json:"payload,omitempty"`
}
