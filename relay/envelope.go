package relay

import (
	"encoding/json"
)

const (
	// sent to a socket once it joins, carries its own device id
	EnvelopeTypeSelf    = "self"
	EnvelopeTypeJoin    = "join"
	EnvelopeTypeLeave   = "leave"
	EnvelopeTypeMessage = "message"
)

// Envelope is the relay's json frame.
// Clients set `to` to address one device. An empty `to` goes to the whole room.
// The relay sets `from`.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (self *Envelope) deliversTo(deviceId string) bool {
	if self.From == deviceId {
		return false
	}
	return self.To == "" || self.To == deviceId
}
