package account

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/duckduckfit/docsync/p2p"
	"github.com/duckduckfit/docsync/relay"
	"github.com/duckduckfit/docsync/repo"
)

var ErrDeviceNotFound = errors.New("sync device not found")
var ErrInvalidSyncUrl = errors.New("invalid sync url")

// Transport is the part of `p2p.WebRtcTransport` the sync manager drives.
type Transport interface {
	SetSignaling(signaling p2p.Signaling)
	SetDeviceIds(deviceIds []string) error
	AddDeviceId(deviceId string) error
	RemoveDeviceId(deviceId string)
	Reannounce()
}

// RoomSignaling is a signaling connection to one room.
type RoomSignaling interface {
	p2p.Signaling
	AddEnvelopeCallback(callback relay.EnvelopeFunction) func()
	Close()
}

type SignalingFactory func(ctx context.Context, credentials relay.Credentials, deviceId string) RoomSignaling

func NewRelaySignalingFactory(wsUrl string, tokens relay.TokenProvider, settings *relay.ClientSettings) SignalingFactory {
	return func(ctx context.Context, credentials relay.Credentials, deviceId string) RoomSignaling {
		return relay.NewClient(ctx, wsUrl, tokens, credentials, deviceId, settings)
	}
}

// SyncManager keeps the transport in line with the sync document.
// The room credentials choose the relay room and the device map chooses the peers.
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	device           Device
	sync             *repo.TypedHandle[Sync]
	transport        Transport
	signalingFactory SignalingFactory

	// serializes `apply`, which calls out to the transport
	applyLock sync.Mutex

	stateLock              sync.Mutex
	credentials            relay.Credentials
	signaling              RoomSignaling
	removeEnvelopeCallback func()
	removeChangeCallback   func()
}

func NewSyncManager(
	ctx context.Context,
	device Device,
	syncHandle *repo.TypedHandle[Sync],
	transport Transport,
	signalingFactory SignalingFactory,
) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		device:           device,
		sync:             syncHandle,
		transport:        transport,
		signalingFactory: signalingFactory,
	}
}

// Start generates room credentials when the sync document has none,
// then follows the sync document.
func (self *SyncManager) Start() error {
	removeChangeCallback := self.sync.AddTypedChangeCallback(func(value *Sync, event *repo.ChangeEvent) {
		self.apply(value)
	})
	self.stateLock.Lock()
	self.removeChangeCallback = removeChangeCallback
	self.stateLock.Unlock()

	value, err := self.sync.Value()
	if err != nil {
		return err
	}
	if value.Room == "" || value.Password == "" {
		room, err := uuid.NewV7()
		if err != nil {
			return err
		}
		password, err := uuid.NewV7()
		if err != nil {
			return err
		}
		// the change callback applies the new credentials
		return self.sync.Change(func(value *Sync) error {
			if value.Room == "" || value.Password == "" {
				value.Room = room.String()
				value.Password = password.String()
			}
			return nil
		})
	}
	self.apply(value)
	return nil
}

func (self *SyncManager) apply(value *Sync) {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}

	credentials := relay.Credentials{
		Room:     value.Room,
		Password: value.Password,
	}
	self.stateLock.Lock()
	changed := !credentials.IsZero() && credentials != self.credentials
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[account]join room %s\n", credentials.Room)
		signaling := self.signalingFactory(self.ctx, credentials, self.device.DeviceId())
		removeEnvelopeCallback := signaling.AddEnvelopeCallback(func(envelope *relay.Envelope) {
			switch envelope.Type {
			case relay.EnvelopeTypeSelf, relay.EnvelopeTypeJoin:
				// room messages sent while the relay was down or before the device joined are lost
				self.transport.Reannounce()
			}
		})

		self.stateLock.Lock()
		previousSignaling := self.signaling
		previousRemoveEnvelopeCallback := self.removeEnvelopeCallback
		self.credentials = credentials
		self.signaling = signaling
		self.removeEnvelopeCallback = removeEnvelopeCallback
		self.stateLock.Unlock()

		self.transport.SetSignaling(signaling)
		if previousSignaling != nil {
			previousRemoveEnvelopeCallback()
			previousSignaling.Close()
		}
	}

	deviceIds := maps.Keys(value.Devices)
	if 0 < len(deviceIds) {
		slices.Sort(deviceIds)
		if err := self.transport.SetDeviceIds(deviceIds); err != nil {
			glog.Infof("[account]set device ids err = %s\n", err)
		}
	}
}

func (self *SyncManager) Credentials() relay.Credentials {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.credentials
}

// Join moves this account to the room of another device, as shared by a sync url.
func (self *SyncManager) Join(credentials relay.Credentials) error {
	if credentials.IsZero() {
		return ErrInvalidSyncUrl
	}
	return self.sync.Change(func(value *Sync) error {
		value.Room = credentials.Room
		value.Password = credentials.Password
		return nil
	})
}

func (self *SyncManager) AddSyncDevice(deviceId string, name string) error {
	err := self.sync.Change(func(value *Sync) error {
		if value.Devices == nil {
			value.Devices = map[string]SyncDevice{}
		}
		value.Devices[deviceId] = SyncDevice{
			Name:      name,
			CreatedAt: nowMillis(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	return self.transport.AddDeviceId(deviceId)
}

func (self *SyncManager) UpdateSyncDevice(deviceId string, name string) error {
	return self.sync.Change(func(value *Sync) error {
		device, ok := value.Devices[deviceId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceId)
		}
		device.Name = name
		value.Devices[deviceId] = device
		return nil
	})
}

func (self *SyncManager) RemoveSyncDevice(deviceId string) error {
	self.transport.RemoveDeviceId(deviceId)
	return self.sync.Change(func(value *Sync) error {
		delete(value.Devices, deviceId)
		return nil
	})
}

// SyncUrl is the link another device opens to join this account's room.
func (self *SyncManager) SyncUrl(publicUrl string) (string, error) {
	value, err := self.sync.Value()
	if err != nil {
		return "", err
	}
	return SyncUrl(publicUrl, relay.Credentials{
		Room:     value.Room,
		Password: value.Password,
	})
}

func (self *SyncManager) Close() {
	self.cancel()

	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	self.stateLock.Lock()
	signaling := self.signaling
	removeEnvelopeCallback := self.removeEnvelopeCallback
	removeChangeCallback := self.removeChangeCallback
	self.signaling = nil
	self.removeEnvelopeCallback = nil
	self.removeChangeCallback = nil
	self.credentials = relay.Credentials{}
	self.stateLock.Unlock()

	if removeChangeCallback != nil {
		removeChangeCallback()
	}
	if signaling != nil {
		self.transport.SetSignaling(nil)
		removeEnvelopeCallback()
		signaling.Close()
	}
}

func SyncUrl(publicUrl string, credentials relay.Credentials) (string, error) {
	if credentials.IsZero() {
		return "", ErrInvalidSyncUrl
	}
	u, err := url.Parse(strings.TrimSuffix(publicUrl, "/") + "/sync")
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("room", credentials.Room)
	query.Set("password", credentials.Password)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func ParseSyncUrl(syncUrl string) (relay.Credentials, error) {
	u, err := url.Parse(syncUrl)
	if err != nil {
		return relay.Credentials{}, fmt.Errorf("%w: %w", ErrInvalidSyncUrl, err)
	}
	query := u.Query()
	credentials := relay.Credentials{
		Room:     query.Get("room"),
		Password: query.Get("password"),
	}
	if credentials.IsZero() {
		return relay.Credentials{}, ErrInvalidSyncUrl
	}
	return credentials, nil
}
