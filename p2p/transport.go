package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/duckduckfit/docsync/repo"
)

type WebRtcTransportSettings struct {
	PeerFactory PeerFactory
}

func DefaultWebRtcTransportSettings() *WebRtcTransportSettings {
	return &WebRtcTransportSettings{
		PeerFactory: NewPionPeerFactoryWithDefaults(),
	}
}

// the transport state for one remote device
type remotePeer struct {
	peer     Peer
	deviceId string
	// the smaller device id initiates
	initiator bool
	// identifies this entry to the remote device
	session string

	// guarded by the transport state lock
	remoteSession string
	// the initiator has offered to `remoteSession`
	negotiated bool
	connected  bool
	peerId     repo.PeerId
}

// WebRtcTransport is a network adapter that connects to the other devices of an account.
// Devices find each other in a relay room (see `Signaling`) and then exchange frames directly
// over webrtc data channels.
//
// Frames are msgpack encoded `repo.Message`. The handshake frames `arrive` and `welcome` announce
// repo peer ids and never reach the repo. Every other frame is delivered as a message event.
type WebRtcTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	deviceId string
	settings *WebRtcTransportSettings

	eventCallbacks *repo.CallbackList[repo.NetworkEventFunction]

	stateLock    sync.Mutex
	peerId       repo.PeerId
	peerMetadata *repo.PeerMetadata
	// desired remote devices
	deviceIds map[string]bool
	// desired devices without a peer yet
	newDeviceIds map[string]bool
	// device id -> peer
	remotePeers map[string]*remotePeer
	// device id -> repo peer id, once the handshake completes
	remotePeerIds           map[string]repo.PeerId
	signaling               Signaling
	removeSignalingCallback func()
	ready                   bool
	readyChan               chan struct{}
}

func NewWebRtcTransportWithDefaults(ctx context.Context, deviceId string) *WebRtcTransport {
	return NewWebRtcTransport(ctx, deviceId, DefaultWebRtcTransportSettings())
}

func NewWebRtcTransport(ctx context.Context, deviceId string, settings *WebRtcTransportSettings) *WebRtcTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebRtcTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		deviceId:       deviceId,
		settings:       settings,
		eventCallbacks: repo.NewCallbackList[repo.NetworkEventFunction](),
		deviceIds:      map[string]bool{},
		newDeviceIds:   map[string]bool{},
		remotePeers:    map[string]*remotePeer{},
		remotePeerIds:  map[string]repo.PeerId{},
		readyChan:      make(chan struct{}),
	}
}

func (self *WebRtcTransport) DeviceId() string {
	return self.deviceId
}

func (self *WebRtcTransport) AddEventCallback(callback repo.NetworkEventFunction) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *WebRtcTransport) emit(event repo.NetworkEvent) {
	for _, callback := range self.eventCallbacks.Get() {
		repo.HandleError(func() {
			callback(event)
		})
	}
}

func (self *WebRtcTransport) IsReady() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ready
}

func (self *WebRtcTransport) WhenReady(ctx context.Context) error {
	self.stateLock.Lock()
	readyChan := self.readyChan
	self.stateLock.Unlock()

	select {
	case <-readyChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *WebRtcTransport) forceReady() {
	self.stateLock.Lock()
	changed := !self.ready
	if changed {
		self.ready = true
		close(self.readyChan)
	}
	self.stateLock.Unlock()

	if changed {
		self.emit(&repo.ReadyEvent{})
	}
}

// ConnectedDeviceIds lists the devices with an open data channel
func (self *WebRtcTransport) ConnectedDeviceIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	deviceIds := []string{}
	for deviceId, entry := range self.remotePeers {
		if entry.connected {
			deviceIds = append(deviceIds, deviceId)
		}
	}
	return deviceIds
}

// SetDeviceIds replaces the desired set of remote devices. The local device is skipped.
// Peers of devices no longer in the set are closed. Devices in the set without a live peer
// are (re)connected.
func (self *WebRtcTransport) SetDeviceIds(deviceIds []string) error {
	self.stateLock.Lock()
	nextDeviceIds := map[string]bool{}
	for _, deviceId := range deviceIds {
		if deviceId == self.deviceId {
			continue
		}
		if self.remotePeers[deviceId] == nil {
			self.newDeviceIds[deviceId] = true
		}
		nextDeviceIds[deviceId] = true
	}
	removed := []*remotePeer{}
	for _, deviceId := range maps.Keys(self.deviceIds) {
		if nextDeviceIds[deviceId] {
			continue
		}
		delete(self.newDeviceIds, deviceId)
		if entry, ok := self.remotePeers[deviceId]; ok {
			removed = append(removed, entry)
			delete(self.remotePeers, deviceId)
			delete(self.remotePeerIds, deviceId)
		}
	}
	self.deviceIds = nextDeviceIds
	self.stateLock.Unlock()

	for _, entry := range removed {
		entry.peer.Close()
	}
	return self.join()
}

func (self *WebRtcTransport) AddDeviceId(deviceId string) error {
	self.stateLock.Lock()
	if deviceId == self.deviceId || self.deviceIds[deviceId] || self.newDeviceIds[deviceId] {
		self.stateLock.Unlock()
		return nil
	}
	self.deviceIds[deviceId] = true
	if self.remotePeers[deviceId] == nil {
		self.newDeviceIds[deviceId] = true
	}
	self.stateLock.Unlock()

	return self.join()
}

func (self *WebRtcTransport) RemoveDeviceId(deviceId string) {
	self.stateLock.Lock()
	delete(self.deviceIds, deviceId)
	delete(self.newDeviceIds, deviceId)
	entry := self.remotePeers[deviceId]
	delete(self.remotePeers, deviceId)
	delete(self.remotePeerIds, deviceId)
	self.stateLock.Unlock()

	if entry != nil {
		entry.peer.Close()
	}
}

// creates a peer for every new device. Nothing happens until connected.
func (self *WebRtcTransport) join() error {
	self.stateLock.Lock()
	if self.peerId == "" {
		self.stateLock.Unlock()
		return nil
	}
	newDeviceIds := maps.Keys(self.newDeviceIds)
	clear(self.newDeviceIds)
	self.stateLock.Unlock()

	var group errgroup.Group
	for _, deviceId := range newDeviceIds {
		deviceId := deviceId
		group.Go(func() error {
			return self.joinPeer(deviceId)
		})
	}
	return group.Wait()
}

// a peer created reactively from the room is kept
func (self *WebRtcTransport) joinPeer(deviceId string) error {
	self.stateLock.Lock()
	_, exists := self.remotePeers[deviceId]
	self.stateLock.Unlock()
	if exists {
		return nil
	}
	_, err := self.createPeer(deviceId, "", true)
	return err
}

func (self *WebRtcTransport) Connect(peerId repo.PeerId, peerMetadata *repo.PeerMetadata) error {
	self.stateLock.Lock()
	self.peerId = peerId
	self.peerMetadata = peerMetadata
	self.stateLock.Unlock()

	if err := self.join(); err != nil {
		glog.Infof("[p2p]join err = %s\n", err)
	}

	self.emit(&repo.PeerCandidateEvent{
		PeerId:       repo.SelfPeerId,
		PeerMetadata: peerMetadata,
		DeviceId:     self.deviceId,
	})
	self.forceReady()
	return nil
}

func (self *WebRtcTransport) Disconnect() {
	self.stateLock.Lock()
	entries := maps.Values(self.remotePeers)
	clear(self.remotePeers)
	clear(self.remotePeerIds)
	// rejoin every device on the next connect
	for deviceId := range self.deviceIds {
		self.newDeviceIds[deviceId] = true
	}
	removeSignalingCallback := self.removeSignalingCallback
	self.signaling = nil
	self.removeSignalingCallback = nil
	if self.ready {
		self.ready = false
		self.readyChan = make(chan struct{})
	}
	self.stateLock.Unlock()

	if removeSignalingCallback != nil {
		removeSignalingCallback()
	}
	for _, entry := range entries {
		entry.peer.Close()
	}
	self.emit(&repo.CloseEvent{})
}

func (self *WebRtcTransport) Close() {
	self.Disconnect()
	self.cancel()
}

// SetSignaling routes room messages through `signaling`.
// Peers that are not connected yet announce themselves again on the new signaling.
func (self *WebRtcTransport) SetSignaling(signaling Signaling) {
	self.stateLock.Lock()
	if self.signaling == signaling {
		self.stateLock.Unlock()
		return
	}
	previousRemoveCallback := self.removeSignalingCallback
	self.signaling = signaling
	self.removeSignalingCallback = nil
	self.stateLock.Unlock()

	if previousRemoveCallback != nil {
		previousRemoveCallback()
	}
	if signaling == nil {
		return
	}
	removeCallback := signaling.AddMessageCallback(self.onRoomMessage)

	self.stateLock.Lock()
	if self.signaling != signaling {
		// replaced concurrently
		self.stateLock.Unlock()
		removeCallback()
		return
	}
	self.removeSignalingCallback = removeCallback
	self.stateLock.Unlock()

	self.Reannounce()
}

// Reannounce announces every peer that is not connected yet.
// Call it when the signaling reconnects or a device joins the room,
// since room messages are not queued while signaling is down.
func (self *WebRtcTransport) Reannounce() {
	self.stateLock.Lock()
	pending := []*remotePeer{}
	for _, entry := range self.remotePeers {
		if !entry.connected {
			pending = append(pending, entry)
		}
	}
	self.stateLock.Unlock()

	for _, entry := range pending {
		self.announce(entry)
	}
}

// Send delivers a frame to every connected device.
// A target of "self" loops back through `Receive`.
// Per device failures are logged and do not fail the send.
func (self *WebRtcTransport) Send(message *repo.Message) error {
	self.stateLock.Lock()
	peerId := self.peerId
	self.stateLock.Unlock()

	if message.TargetId == repo.SelfPeerId {
		loopback := *message
		loopback.SenderId = repo.SelfPeerId
		loopback.TargetId = peerId
		frame, err := repo.EncodeMessage(&loopback)
		if err != nil {
			return err
		}
		return self.Receive(self.deviceId, frame)
	}

	outbound := *message
	outbound.SenderId = peerId
	frame, err := repo.EncodeMessage(&outbound)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	entries := []*remotePeer{}
	for _, entry := range self.remotePeers {
		if entry.connected {
			entries = append(entries, entry)
		}
	}
	self.stateLock.Unlock()

	for _, entry := range entries {
		self.sendFrame(entry, message.Type, frame)
	}
	return nil
}

func (self *WebRtcTransport) sendFrame(entry *remotePeer, messageType string, frame []byte) {
	// a failed or panicking send to one device never fails the others
	onError := func(err error) {
		SendErrors.Inc()
		glog.Infof("[p2p]%s\n", &TransportSendError{
			DeviceId: entry.deviceId,
			Err:      err,
		})
	}
	repo.HandleError(func() {
		if err := entry.peer.Send(frame); err != nil {
			onError(err)
			return
		}
		FramesSent.WithLabelValues(messageType).Inc()
		glog.V(2).Infof("[p2p]send %s -> %s (%d)\n", messageType, entry.deviceId, len(frame))
	}, onError)
}

// Receive handles one inbound frame from a device
func (self *WebRtcTransport) Receive(fromDeviceId string, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: zero-length frame from %s", ErrProtocolViolation, fromDeviceId)
	}
	message, err := repo.DecodeMessage(frame)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	if message.Type == "" || message.SenderId == "" {
		return fmt.Errorf("%w: untyped or anonymous frame from %s", ErrProtocolViolation, fromDeviceId)
	}
	FramesReceived.WithLabelValues(message.Type).Inc()
	glog.V(2).Infof("[p2p]receive %s <- %s (%d)\n", message.Type, fromDeviceId, len(frame))

	switch message.Type {
	case repo.MessageTypeArrive:
		self.stateLock.Lock()
		entry := self.remotePeers[fromDeviceId]
		if entry != nil {
			entry.peerId = message.SenderId
			self.remotePeerIds[fromDeviceId] = message.SenderId
		}
		welcome := &repo.Message{
			Type:         repo.MessageTypeWelcome,
			SenderId:     self.peerId,
			TargetId:     message.SenderId,
			PeerMetadata: self.peerMetadata,
		}
		self.stateLock.Unlock()

		if entry != nil {
			welcomeFrame, err := repo.EncodeMessage(welcome)
			if err != nil {
				return err
			}
			self.sendFrame(entry, welcome.Type, welcomeFrame)
		}
		self.onPeerCandidate(fromDeviceId, message)
	case repo.MessageTypeWelcome:
		self.stateLock.Lock()
		if entry := self.remotePeers[fromDeviceId]; entry != nil {
			entry.peerId = message.SenderId
			self.remotePeerIds[fromDeviceId] = message.SenderId
		}
		self.stateLock.Unlock()

		self.onPeerCandidate(fromDeviceId, message)
	default:
		self.emit(&repo.MessageEvent{
			Message: message,
		})
	}
	return nil
}

func (self *WebRtcTransport) onPeerCandidate(fromDeviceId string, message *repo.Message) {
	glog.V(1).Infof("[p2p]peer %s on %s\n", message.SenderId, fromDeviceId)
	self.emit(&repo.PeerCandidateEvent{
		PeerId:       message.SenderId,
		PeerMetadata: message.PeerMetadata,
		DeviceId:     fromDeviceId,
	})
	self.forceReady()
}

// replaces any peer for the device. An empty session allocates a new one.
// A joined peer is announced, and is dropped when the device was removed or a peer
// was created from the room while the factory ran. It returns nil then.
func (self *WebRtcTransport) createPeer(deviceId string, session string, join bool) (*remotePeer, error) {
	if session == "" {
		session = repo.NewId().String()
	}
	entry := &remotePeer{
		deviceId:  deviceId,
		initiator: self.deviceId < deviceId,
		session:   session,
	}
	callbacks := &PeerCallbacks{
		OnSignal: func(payload *SignalPayload) {
			self.sendSignal(entry, payload)
		},
		OnData: func(frame []byte) {
			if err := self.Receive(deviceId, frame); err != nil {
				glog.Infof("[p2p]receive from %s err = %s\n", deviceId, err)
			}
		},
		OnConnect: func() {
			self.onPeerConnect(entry)
		},
		OnClose: func() {
			self.onPeerClose(entry)
		},
	}
	peer, err := self.settings.PeerFactory(self.ctx, deviceId, entry.initiator, callbacks)
	if err != nil {
		return nil, err
	}
	entry.peer = peer

	self.stateLock.Lock()
	previous := self.remotePeers[deviceId]
	if join && (!self.deviceIds[deviceId] || previous != nil) {
		self.stateLock.Unlock()
		glog.V(1).Infof("[p2p]drop joined peer %s\n", deviceId)
		peer.Close()
		return nil, nil
	}
	self.remotePeers[deviceId] = entry
	self.stateLock.Unlock()

	if previous != nil {
		previous.peer.Close()
	}
	glog.V(1).Infof("[p2p]create peer %s (initiator=%t)\n", deviceId, entry.initiator)
	if join {
		self.announce(entry)
	}
	return entry, nil
}

func (self *WebRtcTransport) onPeerConnect(entry *remotePeer) {
	self.stateLock.Lock()
	entry.connected = true
	arrive := &repo.Message{
		Type:         repo.MessageTypeArrive,
		SenderId:     self.peerId,
		PeerMetadata: self.peerMetadata,
	}
	self.stateLock.Unlock()

	ConnectedPeers.Inc()
	if !entry.initiator {
		frame, err := repo.EncodeMessage(arrive)
		if err != nil {
			glog.Infof("[p2p]arrive encode err = %s\n", err)
			return
		}
		self.sendFrame(entry, arrive.Type, frame)
	}
}

// no automatic retry. The device reconnects when the device ids are set again.
func (self *WebRtcTransport) onPeerClose(entry *remotePeer) {
	self.stateLock.Lock()
	if self.remotePeers[entry.deviceId] == entry {
		delete(self.remotePeers, entry.deviceId)
		delete(self.remotePeerIds, entry.deviceId)
	}
	connected := entry.connected
	entry.connected = false
	peerId := entry.peerId
	self.stateLock.Unlock()

	if connected {
		ConnectedPeers.Dec()
	}
	glog.V(1).Infof("[p2p]close peer %s\n", entry.deviceId)
	if peerId != "" {
		self.emit(&repo.PeerDisconnectedEvent{
			PeerId:   peerId,
			DeviceId: entry.deviceId,
		})
	}
}

func (self *WebRtcTransport) announce(entry *remotePeer) {
	self.sendRoomMessage(entry.deviceId, &RoomMessage{
		Type:    RoomMessageTypePeer,
		Session: entry.session,
	})
}

func (self *WebRtcTransport) sendSignal(entry *remotePeer, payload *SignalPayload) {
	self.stateLock.Lock()
	remoteSession := entry.remoteSession
	self.stateLock.Unlock()

	self.sendRoomMessage(entry.deviceId, &RoomMessage{
		Type:          RoomMessageTypeSignal,
		Session:       entry.session,
		TargetSession: remoteSession,
		Payload:       payload,
	})
}

func (self *WebRtcTransport) sendRoomMessage(deviceId string, message *RoomMessage) {
	self.stateLock.Lock()
	signaling := self.signaling
	self.stateLock.Unlock()

	if signaling == nil {
		glog.V(1).Infof("[p2p]no signaling for %s to %s\n", message.Type, deviceId)
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[p2p]room message encode err = %s\n", err)
		return
	}
	if err := signaling.Send(deviceId, payload); err != nil {
		glog.Infof("[p2p]room %s to %s err = %s\n", message.Type, deviceId, err)
	}
}

func (self *WebRtcTransport) onRoomMessage(fromDeviceId string, payload json.RawMessage) {
	if fromDeviceId == self.deviceId {
		return
	}
	var message RoomMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		glog.Infof("[p2p]room message from %s decode err = %s\n", fromDeviceId, err)
		return
	}
	repo.HandleError(func() {
		switch message.Type {
		case RoomMessageTypePeer:
			self.onPeerAnnounce(fromDeviceId, &message)
		case RoomMessageTypeSignal:
			self.onSignal(fromDeviceId, &message)
		default:
			glog.V(2).Infof("[p2p]ignore room message %s from %s\n", message.Type, fromDeviceId)
		}
	})
}

// The initiator offers to each new session it hears about.
// The responder answers an announcement with its own, so the initiator learns it is present.
func (self *WebRtcTransport) onPeerAnnounce(fromDeviceId string, message *RoomMessage) {
	self.stateLock.Lock()
	connected := self.peerId != ""
	entry := self.remotePeers[fromDeviceId]
	self.stateLock.Unlock()

	if !connected {
		return
	}

	var err error
	if self.deviceId < fromDeviceId {
		self.stateLock.Lock()
		duplicate := entry != nil && entry.remoteSession == message.Session
		replace := entry == nil || entry.negotiated
		self.stateLock.Unlock()
		if duplicate {
			return
		}
		if replace {
			entry, err = self.createPeer(fromDeviceId, "", false)
			if err != nil {
				glog.Infof("[p2p]create peer %s err = %s\n", fromDeviceId, err)
				return
			}
		}
		self.stateLock.Lock()
		entry.remoteSession = message.Session
		entry.negotiated = true
		self.stateLock.Unlock()
		if err := entry.peer.Init(); err != nil {
			glog.Infof("[p2p]offer to %s err = %s\n", fromDeviceId, err)
		}
		return
	}

	if entry == nil {
		entry, err = self.createPeer(fromDeviceId, "", false)
		if err != nil {
			glog.Infof("[p2p]create peer %s err = %s\n", fromDeviceId, err)
			return
		}
	}
	if err := entry.peer.Init(); err != nil {
		glog.Infof("[p2p]init %s err = %s\n", fromDeviceId, err)
		return
	}
	self.stateLock.Lock()
	connectedEntry := entry.connected
	self.stateLock.Unlock()
	if !connectedEntry || message.Session != entry.remoteSession {
		self.announce(entry)
	}
}

func (self *WebRtcTransport) onSignal(fromDeviceId string, message *RoomMessage) {
	self.stateLock.Lock()
	entry := self.remotePeers[fromDeviceId]
	self.stateLock.Unlock()

	if entry == nil || message.Payload == nil {
		glog.V(2).Infof("[p2p]drop signal from %s\n", fromDeviceId)
		return
	}
	if message.TargetSession != entry.session {
		glog.V(2).Infof("[p2p]drop stale signal from %s\n", fromDeviceId)
		return
	}

	if !entry.initiator && message.Payload.Type == SignalTypeOffer {
		self.stateLock.Lock()
		restarted := entry.remoteSession != "" && entry.remoteSession != message.Session
		self.stateLock.Unlock()
		if restarted {
			// the initiator started over. Keep the session so its offer stays addressed to us.
			var err error
			entry, err = self.createPeer(fromDeviceId, entry.session, false)
			if err != nil {
				glog.Infof("[p2p]create peer %s err = %s\n", fromDeviceId, err)
				return
			}
		}
		self.stateLock.Lock()
		entry.remoteSession = message.Session
		self.stateLock.Unlock()
	}

	self.stateLock.Lock()
	remoteSession := entry.remoteSession
	self.stateLock.Unlock()
	if message.Session != remoteSession {
		glog.V(2).Infof("[p2p]drop signal from other session of %s\n", fromDeviceId)
		return
	}

	if err := entry.peer.Signal(message.Payload); err != nil {
		glog.Infof("[p2p]signal from %s err = %s\n", fromDeviceId, err)
	}
}
