package repo

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// the network contract between a repo and its transports.
// A transport announces peers, delivers decoded messages, and sends messages best effort.

type PeerId string

const SelfPeerId PeerId = "self"

type PeerMetadata struct {
	StorageId   string `msgpack:"storageId,omitempty"`
	IsEphemeral bool   `msgpack:"isEphemeral"`
}

const (
	MessageTypeSync           = "sync"
	MessageTypeRequest        = "request"
	MessageTypeDocUnavailable = "doc-unavailable"
	// peer handshake. These never reach the repo.
	MessageTypeArrive  = "arrive"
	MessageTypeWelcome = "welcome"
)

type Message struct {
	Type       string `msgpack:"type"`
	SenderId   PeerId `msgpack:"senderId"`
	TargetId   PeerId `msgpack:"targetId,omitempty"`
	DocumentId string `msgpack:"documentId,omitempty"`
	// (clock, writer) orders document states
	Clock        uint64        `msgpack:"clock,omitempty"`
	Writer       PeerId        `msgpack:"writer,omitempty"`
	Data         []byte        `msgpack:"data,omitempty"`
	PeerMetadata *PeerMetadata `msgpack:"peerMetadata,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeMessage(b []byte) (*Message, error) {
	var message Message
	if err := msgpack.Unmarshal(b, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

type NetworkEvent interface {
	isNetworkEvent()
}

type PeerCandidateEvent struct {
	PeerId       PeerId
	PeerMetadata *PeerMetadata
	DeviceId     string
}

type PeerDisconnectedEvent struct {
	PeerId   PeerId
	DeviceId string
}

type MessageEvent struct {
	Message *Message
}

type ReadyEvent struct{}

type CloseEvent struct{}

func (self *PeerCandidateEvent) isNetworkEvent()    {}
func (self *PeerDisconnectedEvent) isNetworkEvent() {}
func (self *MessageEvent) isNetworkEvent()          {}
func (self *ReadyEvent) isNetworkEvent()            {}
func (self *CloseEvent) isNetworkEvent()            {}

type NetworkEventFunction = func(event NetworkEvent)

type NetworkAdapter interface {
	Connect(peerId PeerId, peerMetadata *PeerMetadata) error
	// best effort. A failure to one peer does not fail the send.
	Send(message *Message) error
	Disconnect()
	AddEventCallback(callback NetworkEventFunction) func()
}
