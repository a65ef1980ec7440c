package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/exp/slices"

	"github.com/duckduckfit/docsync/repo"
	"github.com/duckduckfit/docsync/store"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// in memory peers and room. Delivery is synchronous.
type fakeNetwork struct {
	stateLock sync.Mutex
	// "local->remote" -> peer
	peers map[string]*fakePeer
	// device id -> signaling
	room map[string]*fakeSignaling
	// device id -> send behavior for peers sending to it
	sendErrs   map[string]error
	sendPanics map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		peers:      map[string]*fakePeer{},
		room:       map[string]*fakeSignaling{},
		sendErrs:   map[string]error{},
		sendPanics: map[string]bool{},
	}
}

func (self *fakeNetwork) peer(localDeviceId string, deviceId string) *fakePeer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.peers[localDeviceId+"->"+deviceId]
}

func (self *fakeNetwork) factory(localDeviceId string) PeerFactory {
	return func(ctx context.Context, deviceId string, initiator bool, callbacks *PeerCallbacks) (Peer, error) {
		peer := &fakePeer{
			network:       self,
			localDeviceId: localDeviceId,
			deviceId:      deviceId,
			initiator:     initiator,
			callbacks:     callbacks,
		}
		self.stateLock.Lock()
		self.peers[localDeviceId+"->"+deviceId] = peer
		self.stateLock.Unlock()
		return peer, nil
	}
}

func (self *fakeNetwork) signaling(deviceId string) *fakeSignaling {
	signaling := &fakeSignaling{
		network:   self,
		deviceId:  deviceId,
		callbacks: repo.NewCallbackList[func(string, json.RawMessage)](),
	}
	self.stateLock.Lock()
	self.room[deviceId] = signaling
	self.stateLock.Unlock()
	return signaling
}

type fakeSignaling struct {
	network   *fakeNetwork
	deviceId  string
	callbacks *repo.CallbackList[func(string, json.RawMessage)]
}

func (self *fakeSignaling) Send(to string, payload json.RawMessage) error {
	self.network.stateLock.Lock()
	target := self.network.room[to]
	self.network.stateLock.Unlock()
	if target == nil {
		// not in the room
		return nil
	}
	for _, callback := range target.callbacks.Get() {
		callback(self.deviceId, payload)
	}
	return nil
}

func (self *fakeSignaling) AddMessageCallback(callback func(from string, payload json.RawMessage)) func() {
	return self.callbacks.Add(callback)
}

type fakePeer struct {
	network       *fakeNetwork
	localDeviceId string
	deviceId      string
	initiator     bool
	callbacks     *PeerCallbacks

	stateLock sync.Mutex
	connected bool
	closed    bool
}

func (self *fakePeer) DeviceId() string {
	return self.deviceId
}

func (self *fakePeer) IsInitiator() bool {
	return self.initiator
}

func (self *fakePeer) Init() error {
	if self.initiator {
		self.callbacks.OnSignal(&SignalPayload{
			Type: SignalTypeOffer,
			Sdp:  self.localDeviceId,
		})
	}
	return nil
}

func (self *fakePeer) Signal(payload *SignalPayload) error {
	switch payload.Type {
	case SignalTypeOffer:
		self.callbacks.OnSignal(&SignalPayload{
			Type: SignalTypeAnswer,
			Sdp:  self.localDeviceId,
		})
	case SignalTypeAnswer:
		remote := self.network.peer(self.deviceId, self.localDeviceId)
		if remote == nil {
			return errors.New("no remote")
		}
		self.connect()
		remote.connect()
	}
	return nil
}

func (self *fakePeer) connect() {
	self.stateLock.Lock()
	self.connected = true
	self.stateLock.Unlock()
	self.callbacks.OnConnect()
}

func (self *fakePeer) isConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *fakePeer) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

func (self *fakePeer) Send(frame []byte) error {
	self.network.stateLock.Lock()
	sendErr := self.network.sendErrs[self.deviceId]
	sendPanic := self.network.sendPanics[self.deviceId]
	self.network.stateLock.Unlock()

	if sendPanic {
		panic("send")
	}
	if sendErr != nil {
		return sendErr
	}
	remote := self.network.peer(self.deviceId, self.localDeviceId)
	if !self.isConnected() || remote == nil || !remote.isConnected() {
		return ErrPeerNotConnected
	}
	remote.callbacks.OnData(slices.Clone(frame))
	return nil
}

// closing one end closes the other
func (self *fakePeer) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	wasConnected := self.connected
	self.connected = false
	self.stateLock.Unlock()

	self.callbacks.OnClose()
	if wasConnected {
		if remote := self.network.peer(self.deviceId, self.localDeviceId); remote != nil {
			remote.Close()
		}
	}
	return nil
}

type eventRecorder struct {
	stateLock sync.Mutex
	events    []repo.NetworkEvent
}

func (self *eventRecorder) record(event repo.NetworkEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.events = append(self.events, event)
}

func (self *eventRecorder) candidates() []*repo.PeerCandidateEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	candidates := []*repo.PeerCandidateEvent{}
	for _, event := range self.events {
		if candidate, ok := event.(*repo.PeerCandidateEvent); ok && candidate.PeerId != repo.SelfPeerId {
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

func (self *eventRecorder) messages() []*repo.Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := []*repo.Message{}
	for _, event := range self.events {
		if messageEvent, ok := event.(*repo.MessageEvent); ok {
			messages = append(messages, messageEvent.Message)
		}
	}
	return messages
}

func (self *eventRecorder) disconnects() []*repo.PeerDisconnectedEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	disconnects := []*repo.PeerDisconnectedEvent{}
	for _, event := range self.events {
		if disconnect, ok := event.(*repo.PeerDisconnectedEvent); ok {
			disconnects = append(disconnects, disconnect)
		}
	}
	return disconnects
}

type testDevice struct {
	transport *WebRtcTransport
	recorder  *eventRecorder
}

func newTestDevice(ctx context.Context, network *fakeNetwork, deviceId string) *testDevice {
	transport := NewWebRtcTransport(ctx, deviceId, &WebRtcTransportSettings{
		PeerFactory: network.factory(deviceId),
	})
	recorder := &eventRecorder{}
	transport.AddEventCallback(recorder.record)
	transport.SetSignaling(network.signaling(deviceId))
	return &testDevice{
		transport: transport,
		recorder:  recorder,
	}
}

func connectDevices(t *testing.T, devices ...*testDevice) {
	deviceIds := []string{}
	for _, device := range devices {
		deviceIds = append(deviceIds, device.transport.DeviceId())
	}
	for _, device := range devices {
		err := device.transport.Connect(repo.PeerId("peer-"+device.transport.DeviceId()), &repo.PeerMetadata{})
		assert.Equal(t, err, nil)
	}
	for _, device := range devices {
		err := device.transport.SetDeviceIds(deviceIds)
		assert.Equal(t, err, nil)
	}
}

func TestTransportHandshake(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")

	connectDevices(t, a, b)

	assert.Equal(t, a.transport.ConnectedDeviceIds(), []string{"device-b"})
	assert.Equal(t, b.transport.ConnectedDeviceIds(), []string{"device-a"})

	aCandidates := a.recorder.candidates()
	assert.Equal(t, len(aCandidates), 1)
	assert.Equal(t, aCandidates[0].PeerId, repo.PeerId("peer-device-b"))
	assert.Equal(t, aCandidates[0].DeviceId, "device-b")

	bCandidates := b.recorder.candidates()
	assert.Equal(t, len(bCandidates), 1)
	assert.Equal(t, bCandidates[0].PeerId, repo.PeerId("peer-device-a"))

	// handshake frames never surface as messages
	assert.Equal(t, len(a.recorder.messages()), 0)
	assert.Equal(t, len(b.recorder.messages()), 0)

	assert.Equal(t, a.transport.IsReady(), true)
}

func TestTransportLateJoin(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")

	// the responder is online first. Its announcement reaches no one.
	err := b.transport.Connect("peer-b", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)
	network.stateLock.Lock()
	delete(network.room, "device-a")
	network.stateLock.Unlock()
	err = b.transport.SetDeviceIds([]string{"device-a", "device-b"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b.transport.ConnectedDeviceIds()), 0)

	// the initiator joins later
	a.transport.SetSignaling(nil)
	a.transport.SetSignaling(network.signaling("device-a"))
	err = a.transport.Connect("peer-a", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)
	err = a.transport.SetDeviceIds([]string{"device-a", "device-b"})
	assert.Equal(t, err, nil)

	assert.Equal(t, a.transport.ConnectedDeviceIds(), []string{"device-b"})
	assert.Equal(t, b.transport.ConnectedDeviceIds(), []string{"device-a"})
}

func TestTransportReannounce(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")

	// the relay is down. Every announcement is lost.
	network.stateLock.Lock()
	room := network.room
	network.room = map[string]*fakeSignaling{}
	network.stateLock.Unlock()

	connectDevices(t, a, b)
	assert.Equal(t, len(a.transport.ConnectedDeviceIds()), 0)
	assert.Equal(t, len(b.transport.ConnectedDeviceIds()), 0)

	network.stateLock.Lock()
	network.room = room
	network.stateLock.Unlock()

	b.transport.Reannounce()

	assert.Equal(t, a.transport.ConnectedDeviceIds(), []string{"device-b"})
	assert.Equal(t, b.transport.ConnectedDeviceIds(), []string{"device-a"})
}

func TestTransportSkipsLocalDevice(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")

	err := a.transport.Connect("peer-a", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)
	err = a.transport.SetDeviceIds([]string{"device-a"})
	assert.Equal(t, err, nil)
	assert.Equal(t, network.peer("device-a", "device-a"), nil)
}

func TestTransportBroadcastIsolation(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")
	c := newTestDevice(ctx, network, "device-c")
	d := newTestDevice(ctx, network, "device-d")

	connectDevices(t, a, b, c, d)
	assert.Equal(t, len(a.transport.ConnectedDeviceIds()), 3)

	network.stateLock.Lock()
	network.sendErrs["device-c"] = errors.New("send failed")
	network.sendPanics["device-d"] = true
	network.stateLock.Unlock()

	sendErrors := testutil.ToFloat64(SendErrors)
	err := a.transport.Send(&repo.Message{
		Type:       repo.MessageTypeSync,
		DocumentId: "doc",
		Data:       []byte{1, 2, 3},
	})
	assert.Equal(t, err, nil)

	messages := b.recorder.messages()
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].SenderId, repo.PeerId("peer-device-a"))
	assert.Equal(t, messages[0].Data, []byte{1, 2, 3})
	assert.Equal(t, len(c.recorder.messages()), 0)
	assert.Equal(t, len(d.recorder.messages()), 0)
	// the failed and the panicking send are both counted once
	assert.Equal(t, testutil.ToFloat64(SendErrors), sendErrors+2)
}

func TestTransportZeroLengthFrame(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")

	err := a.transport.Receive("device-b", []byte{})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)

	err = a.transport.Receive("device-b", []byte{0xc1})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)

	malformed := [][]byte{
		// nil
		{0xc0},
		// {}
		{0x80},
		// {x: 1}
		{0x81, 0xa1, 0x78, 0x01},
	}
	for _, frame := range malformed {
		err = a.transport.Receive("device-b", frame)
		assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)
	}

	// typed but anonymous
	frame, err := repo.EncodeMessage(&repo.Message{
		Type:       repo.MessageTypeSync,
		DocumentId: "doc",
	})
	assert.Equal(t, err, nil)
	err = a.transport.Receive("device-b", frame)
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)

	assert.Equal(t, len(a.recorder.events), 0)
}

func TestTransportHandshakeFromUnknownDevice(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")

	err := a.transport.Connect("peer-a", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)

	for _, messageType := range []string{repo.MessageTypeArrive, repo.MessageTypeWelcome} {
		frame, err := repo.EncodeMessage(&repo.Message{
			Type:     messageType,
			SenderId: "peer-x",
		})
		assert.Equal(t, err, nil)
		err = a.transport.Receive("device-x", frame)
		assert.Equal(t, err, nil)
	}

	a.transport.stateLock.Lock()
	_, tracked := a.transport.remotePeerIds["device-x"]
	a.transport.stateLock.Unlock()
	assert.Equal(t, tracked, false)
}

func TestTransportRemoveDuringJoin(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	factory := network.factory("device-a")

	entered := make(chan struct{})
	release := make(chan struct{})
	transport := NewWebRtcTransport(ctx, "device-a", &WebRtcTransportSettings{
		PeerFactory: func(ctx context.Context, deviceId string, initiator bool, callbacks *PeerCallbacks) (Peer, error) {
			close(entered)
			<-release
			return factory(ctx, deviceId, initiator, callbacks)
		},
	})
	transport.SetSignaling(network.signaling("device-a"))
	err := transport.Connect("peer-a", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)

	// count what reaches device-b through the room
	var announceCount int
	var announceLock sync.Mutex
	network.signaling("device-b").AddMessageCallback(func(from string, payload json.RawMessage) {
		announceLock.Lock()
		defer announceLock.Unlock()
		announceCount += 1
	})

	done := make(chan error, 1)
	go func() {
		done <- transport.SetDeviceIds([]string{"device-a", "device-b"})
	}()

	<-entered
	transport.RemoveDeviceId("device-b")
	close(release)
	assert.Equal(t, <-done, nil)

	peer := network.peer("device-a", "device-b")
	assert.Equal(t, peer != nil, true)
	assert.Equal(t, peer.isClosed(), true)

	transport.stateLock.Lock()
	_, exists := transport.remotePeers["device-b"]
	transport.stateLock.Unlock()
	assert.Equal(t, exists, false)

	announceLock.Lock()
	assert.Equal(t, announceCount, 0)
	announceLock.Unlock()
}

func TestTransportSelfLoopback(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")

	err := a.transport.Connect("peer-a", &repo.PeerMetadata{})
	assert.Equal(t, err, nil)

	err = a.transport.Send(&repo.Message{
		Type:       repo.MessageTypeSync,
		SenderId:   "peer-a",
		TargetId:   repo.SelfPeerId,
		DocumentId: "doc",
	})
	assert.Equal(t, err, nil)

	messages := a.recorder.messages()
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].SenderId, repo.SelfPeerId)
	assert.Equal(t, messages[0].TargetId, repo.PeerId("peer-a"))
}

func TestTransportSetDeviceIdsTeardown(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")
	c := newTestDevice(ctx, network, "device-c")

	connectDevices(t, a, b, c)
	assert.Equal(t, len(a.transport.ConnectedDeviceIds()), 2)

	err := a.transport.SetDeviceIds([]string{"device-a", "device-c"})
	assert.Equal(t, err, nil)
	assert.Equal(t, a.transport.ConnectedDeviceIds(), []string{"device-c"})

	disconnects := a.recorder.disconnects()
	assert.Equal(t, len(disconnects), 1)
	assert.Equal(t, disconnects[0].PeerId, repo.PeerId("peer-device-b"))
	assert.Equal(t, disconnects[0].DeviceId, "device-b")

	// the remote end sees the close too
	bDisconnects := b.recorder.disconnects()
	assert.Equal(t, len(bDisconnects), 1)
	assert.Equal(t, bDisconnects[0].PeerId, repo.PeerId("peer-device-a"))

	// no automatic retry
	assert.Equal(t, b.transport.ConnectedDeviceIds(), []string{"device-c"})

	// setting the device ids again reconnects
	err = a.transport.SetDeviceIds([]string{"device-a", "device-b", "device-c"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(a.transport.ConnectedDeviceIds()), 2)
}

func TestTransportDisconnect(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")

	connectDevices(t, a, b)

	err := a.transport.WhenReady(ctx)
	assert.Equal(t, err, nil)

	a.transport.Disconnect()
	assert.Equal(t, a.transport.IsReady(), false)
	assert.Equal(t, len(a.transport.ConnectedDeviceIds()), 0)

	closed := false
	for _, event := range a.recorder.events {
		if _, ok := event.(*repo.CloseEvent); ok {
			closed = true
		}
	}
	assert.Equal(t, closed, true)

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = a.transport.WhenReady(timeoutCtx)
	assert.Equal(t, err, context.DeadlineExceeded)
}

func TestTransportRepoSync(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	a := newTestDevice(ctx, network, "device-a")
	b := newTestDevice(ctx, network, "device-b")

	repoA := repo.NewRepoWithDefaults(ctx, store.NewMemoryStorage())
	defer repoA.Close()
	repoB := repo.NewRepoWithDefaults(ctx, store.NewMemoryStorage())
	defer repoB.Close()

	handle, err := repoA.Create(map[string]any{"title": "synced"})
	assert.Equal(t, err, nil)

	assert.Equal(t, repoA.AddNetworkAdapter(a.transport), nil)
	assert.Equal(t, repoB.AddNetworkAdapter(b.transport), nil)
	assert.Equal(t, a.transport.SetDeviceIds([]string{"device-a", "device-b"}), nil)
	assert.Equal(t, b.transport.SetDeviceIds([]string{"device-a", "device-b"}), nil)

	findCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	remote, err := repoB.Find(findCtx, handle.DocumentId())
	assert.Equal(t, err, nil)
	assert.Equal(t, remote.Doc()["title"], "synced")

	err = remote.Change(func(doc map[string]any) error {
		doc["title"] = "edited on b"
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, handle.Doc()["title"], "edited on b")
}
