package p2p

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

type PionPeerSettings struct {
	Configuration webrtc.Configuration
	ChannelLabel  string
}

func DefaultPionPeerSettings() *PionPeerSettings {
	return &PionPeerSettings{
		Configuration: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
		},
		ChannelLabel: "sync",
	}
}

func NewPionPeerFactoryWithDefaults() PeerFactory {
	return NewPionPeerFactory(DefaultPionPeerSettings())
}

func NewPionPeerFactory(settings *PionPeerSettings) PeerFactory {
	return func(ctx context.Context, deviceId string, initiator bool, callbacks *PeerCallbacks) (Peer, error) {
		return newPionPeer(ctx, deviceId, initiator, callbacks, settings)
	}
}

// a single ordered reliable data channel over a pion peer connection.
// Ice candidates trickle through `OnSignal` and are held until the remote description is set.
type pionPeer struct {
	ctx    context.Context
	cancel context.CancelFunc

	deviceId  string
	initiator bool
	callbacks *PeerCallbacks
	settings  *PionPeerSettings

	peerConnection *webrtc.PeerConnection

	stateLock            sync.Mutex
	dataChannel          *webrtc.DataChannel
	initialized          bool
	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit
	connected            bool

	closed atomic.Bool
}

func newPionPeer(
	ctx context.Context,
	deviceId string,
	initiator bool,
	callbacks *PeerCallbacks,
	settings *PionPeerSettings,
) (*pionPeer, error) {
	peerConnection, err := webrtc.NewPeerConnection(settings.Configuration)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	peer := &pionPeer{
		ctx:            cancelCtx,
		cancel:         cancel,
		deviceId:       deviceId,
		initiator:      initiator,
		callbacks:      callbacks,
		settings:       settings,
		peerConnection: peerConnection,
	}

	peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// gathering complete
			return
		}
		candidateInit := candidate.ToJSON()
		peer.callbacks.OnSignal(&SignalPayload{
			Type:      SignalTypeCandidate,
			Candidate: &candidateInit,
		})
	})
	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		glog.V(2).Infof("[p2p]%s connection state %s\n", deviceId, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			peer.Close()
		}
	})
	if !initiator {
		peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
			peer.setDataChannel(dataChannel)
		})
	}

	go func() {
		<-cancelCtx.Done()
		peer.Close()
	}()

	return peer, nil
}

func (self *pionPeer) DeviceId() string {
	return self.deviceId
}

func (self *pionPeer) IsInitiator() bool {
	return self.initiator
}

func (self *pionPeer) Init() error {
	self.stateLock.Lock()
	if self.initialized || !self.initiator {
		self.initialized = true
		self.stateLock.Unlock()
		return nil
	}
	self.initialized = true
	self.stateLock.Unlock()

	ordered := true
	dataChannel, err := self.peerConnection.CreateDataChannel(self.settings.ChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return err
	}
	self.setDataChannel(dataChannel)

	offer, err := self.peerConnection.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := self.peerConnection.SetLocalDescription(offer); err != nil {
		return err
	}
	self.callbacks.OnSignal(&SignalPayload{
		Type: SignalTypeOffer,
		Sdp:  offer.SDP,
	})
	return nil
}

func (self *pionPeer) Signal(payload *SignalPayload) error {
	switch payload.Type {
	case SignalTypeOffer:
		if self.initiator {
			return fmt.Errorf("initiator received an offer from %s", self.deviceId)
		}
		err := self.setRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  payload.Sdp,
		})
		if err != nil {
			return err
		}
		answer, err := self.peerConnection.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := self.peerConnection.SetLocalDescription(answer); err != nil {
			return err
		}
		self.callbacks.OnSignal(&SignalPayload{
			Type: SignalTypeAnswer,
			Sdp:  answer.SDP,
		})
		return nil
	case SignalTypeAnswer:
		if !self.initiator {
			return fmt.Errorf("responder received an answer from %s", self.deviceId)
		}
		return self.setRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  payload.Sdp,
		})
	case SignalTypeCandidate:
		if payload.Candidate == nil {
			return nil
		}
		self.stateLock.Lock()
		if !self.remoteDescriptionSet {
			self.pendingCandidates = append(self.pendingCandidates, *payload.Candidate)
			self.stateLock.Unlock()
			return nil
		}
		self.stateLock.Unlock()
		return self.peerConnection.AddICECandidate(*payload.Candidate)
	default:
		return fmt.Errorf("unknown signal type %s", payload.Type)
	}
}

func (self *pionPeer) setRemoteDescription(description webrtc.SessionDescription) error {
	if err := self.peerConnection.SetRemoteDescription(description); err != nil {
		return err
	}

	self.stateLock.Lock()
	self.remoteDescriptionSet = true
	pendingCandidates := self.pendingCandidates
	self.pendingCandidates = nil
	self.stateLock.Unlock()

	for _, candidate := range pendingCandidates {
		if err := self.peerConnection.AddICECandidate(candidate); err != nil {
			glog.Infof("[p2p]%s add candidate err = %s\n", self.deviceId, err)
		}
	}
	return nil
}

func (self *pionPeer) setDataChannel(dataChannel *webrtc.DataChannel) {
	self.stateLock.Lock()
	self.dataChannel = dataChannel
	self.stateLock.Unlock()

	dataChannel.OnOpen(func() {
		self.stateLock.Lock()
		self.connected = true
		self.stateLock.Unlock()
		glog.V(1).Infof("[p2p]%s data channel open\n", self.deviceId)
		self.callbacks.OnConnect()
	})
	dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		self.callbacks.OnData(message.Data)
	})
	dataChannel.OnClose(func() {
		self.Close()
	})
}

func (self *pionPeer) Send(frame []byte) error {
	self.stateLock.Lock()
	dataChannel := self.dataChannel
	connected := self.connected
	self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrPeerClosed
	}
	if dataChannel == nil || !connected {
		return ErrPeerNotConnected
	}
	return dataChannel.Send(frame)
}

// closing the connection re-enters through the state callbacks, which then return immediately
func (self *pionPeer) Close() error {
	if !self.closed.CompareAndSwap(false, true) {
		return nil
	}
	self.cancel()
	err := self.peerConnection.Close()
	self.callbacks.OnClose()
	return err
}
