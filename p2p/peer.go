package p2p

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
)

var ErrPeerNotConnected = errors.New("peer not connected")
var ErrPeerClosed = errors.New("peer closed")

const (
	SignalTypeOffer     = "offer"
	SignalTypeAnswer    = "answer"
	SignalTypeCandidate = "candidate"
)

// one step of the webrtc negotiation, carried over the relay
type SignalPayload struct {
	Type      string                   `json:"type"`
	Sdp       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Peer is one connection to a remote device.
// Frames are delivered whole and in order.
type Peer interface {
	DeviceId() string
	IsInitiator() bool
	// starts negotiation. The initiator emits the offer. Repeated calls are ignored.
	Init() error
	Signal(payload *SignalPayload) error
	Send(frame []byte) error
	Close() error
}

// callbacks run on the peer's goroutines
type PeerCallbacks struct {
	OnSignal  func(payload *SignalPayload)
	OnData    func(frame []byte)
	OnConnect func()
	// called once
	OnClose func()
}

type PeerFactory func(ctx context.Context, deviceId string, initiator bool, callbacks *PeerCallbacks) (Peer, error)
