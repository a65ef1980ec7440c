package account

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/duckduckfit/docsync/p2p"
	"github.com/duckduckfit/docsync/relay"
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

var _ Transport = (*p2p.WebRtcTransport)(nil)
var _ RoomSignaling = (*relay.Client)(nil)

type fakeTransport struct {
	stateLock       sync.Mutex
	signaling       p2p.Signaling
	signalingCount  int
	deviceIds       []string
	added           []string
	removed         []string
	reannounceCount int
	reannounced     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reannounced: make(chan struct{}, 16),
	}
}

func (self *fakeTransport) SetSignaling(signaling p2p.Signaling) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.signaling = signaling
	self.signalingCount += 1
}

func (self *fakeTransport) SetDeviceIds(deviceIds []string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.deviceIds = deviceIds
	return nil
}

func (self *fakeTransport) AddDeviceId(deviceId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.added = append(self.added, deviceId)
	return nil
}

func (self *fakeTransport) RemoveDeviceId(deviceId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removed = append(self.removed, deviceId)
}

func (self *fakeTransport) Reannounce() {
	self.stateLock.Lock()
	self.reannounceCount += 1
	self.stateLock.Unlock()
	select {
	case self.reannounced <- struct{}{}:
	default:
	}
}

func (self *fakeTransport) snapshot() (p2p.Signaling, int, []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.signaling, self.signalingCount, self.deviceIds
}

type fakeSignaling struct {
	credentials       relay.Credentials
	deviceId          string
	envelopeCallbacks *repo.CallbackList[relay.EnvelopeFunction]
	closed            bool
}

func (self *fakeSignaling) Send(to string, payload json.RawMessage) error {
	return nil
}

func (self *fakeSignaling) AddMessageCallback(callback func(from string, payload json.RawMessage)) func() {
	return func() {}
}

func (self *fakeSignaling) AddEnvelopeCallback(callback relay.EnvelopeFunction) func() {
	return self.envelopeCallbacks.Add(callback)
}

func (self *fakeSignaling) Close() {
	self.closed = true
}

func (self *fakeSignaling) emit(envelope *relay.Envelope) {
	for _, callback := range self.envelopeCallbacks.Get() {
		callback(envelope)
	}
}

type fakeSignalingFactory struct {
	stateLock sync.Mutex
	created   []*fakeSignaling
}

func (self *fakeSignalingFactory) New(ctx context.Context, credentials relay.Credentials, deviceId string) RoomSignaling {
	signaling := &fakeSignaling{
		credentials:       credentials,
		deviceId:          deviceId,
		envelopeCallbacks: repo.NewCallbackList[relay.EnvelopeFunction](),
	}
	self.stateLock.Lock()
	self.created = append(self.created, signaling)
	self.stateLock.Unlock()
	return signaling
}

func (self *fakeSignalingFactory) last() *fakeSignaling {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.created) == 0 {
		return nil
	}
	return self.created[len(self.created)-1]
}

var testDevice = &StaticDevice{Id: "device-a", DeviceName: "laptop"}

func newTestAccount(t *testing.T, ctx context.Context) (*repo.Repo, *Account) {
	r := repo.NewRepoWithDefaults(ctx, store.NewMemoryStorage())
	account, err := BootstrapWithDefaults(ctx, r, testDevice, repo.DocumentId{})
	assert.Equal(t, err, nil)
	return r, account
}

func TestBootstrapCreates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, account := newTestAccount(t, ctx)
	defer r.Close()

	userDocument, err := account.UserDocument().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, userDocument.Version, 1)
	assert.Equal(t, userDocument.Settings.IsZero(), false)
	assert.Equal(t, userDocument.User.IsZero(), false)
	assert.Equal(t, userDocument.Sync.IsZero(), false)
	assert.Equal(t, account.Settings().DocumentId(), userDocument.Settings)

	settings, err := account.Settings().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, *settings, Settings{
		Version:           1,
		Theme:             ThemeLight,
		Locale:            "en",
		MeasurementSystem: MeasurementSystemMetric,
	})

	user, err := account.User().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, *user, User{Version: 1})

	syncValue, err := account.Sync().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, syncValue.Version, 1)
	assert.Equal(t, len(syncValue.Devices), 1)
	assert.Equal(t, syncValue.Devices["device-a"].Name, "laptop")
	assert.NotEqual(t, syncValue.Devices["device-a"].CreatedAt, int64(0))

	documentIds, err := r.StoredDocumentIds()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(documentIds), 4)
}

func TestBootstrapExisting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := store.NewMemoryStorage()

	r := repo.NewRepoWithDefaults(ctx, storage)
	account, err := BootstrapWithDefaults(ctx, r, testDevice, repo.DocumentId{})
	assert.Equal(t, err, nil)
	err = account.SetName("ada")
	assert.Equal(t, err, nil)
	err = account.SetTheme(ThemeDark)
	assert.Equal(t, err, nil)
	userDocument, err := account.UserDocument().Value()
	assert.Equal(t, err, nil)
	r.Close()

	// a new repo on the same storage, as after a restart
	r2 := repo.NewRepoWithDefaults(ctx, storage)
	defer r2.Close()
	account2, err := BootstrapWithDefaults(ctx, r2, testDevice, account.UserDocumentId())
	assert.Equal(t, err, nil)

	userDocument2, err := account2.UserDocument().Value()
	assert.Equal(t, err, nil)
	if diff := cmp.Diff(userDocument, userDocument2); diff != "" {
		t.Fatalf("user document changed (-want +got):\n%s", diff)
	}

	user, err := account2.User().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, user.Name, "ada")
	settings, err := account2.Settings().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.Theme, ThemeDark)

	documentIds, err := r2.StoredDocumentIds()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(documentIds), 4)
}

func TestBootstrapMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := repo.NewRepoWithDefaults(ctx, store.NewMemoryStorage())
	defer r.Close()

	_, err := BootstrapWithDefaults(ctx, r, testDevice, repo.NewId())
	assert.Equal(t, errors.Is(err, repo.ErrNotFound), true)
}

func TestSyncManagerGeneratesCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, account := newTestAccount(t, ctx)
	defer r.Close()

	transport := newFakeTransport()
	factory := &fakeSignalingFactory{}
	syncManager := NewSyncManager(ctx, testDevice, account.Sync(), transport, factory.New)
	err := syncManager.Start()
	assert.Equal(t, err, nil)

	syncValue, err := account.Sync().Value()
	assert.Equal(t, err, nil)
	assert.NotEqual(t, syncValue.Room, "")
	assert.NotEqual(t, syncValue.Password, "")
	assert.NotEqual(t, syncValue.Room, syncValue.Password)

	credentials := relay.Credentials{Room: syncValue.Room, Password: syncValue.Password}
	assert.Equal(t, syncManager.Credentials(), credentials)

	signaling := factory.last()
	assert.NotEqual(t, signaling, nil)
	assert.Equal(t, signaling.credentials, credentials)
	assert.Equal(t, signaling.deviceId, "device-a")

	transportSignaling, signalingCount, deviceIds := transport.snapshot()
	assert.Equal(t, transportSignaling, p2p.Signaling(signaling))
	assert.Equal(t, signalingCount, 1)
	assert.Equal(t, deviceIds, []string{"device-a"})

	// a restart reuses the stored credentials
	syncManager.Close()
	syncManager2 := NewSyncManager(ctx, testDevice, account.Sync(), transport, factory.New)
	err = syncManager2.Start()
	assert.Equal(t, err, nil)
	defer syncManager2.Close()
	assert.Equal(t, syncManager2.Credentials(), credentials)
	assert.Equal(t, factory.last().credentials, credentials)
	assert.Equal(t, len(factory.created), 2)
	assert.Equal(t, signaling.closed, true)
}

func TestSyncManagerDevices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, account := newTestAccount(t, ctx)
	defer r.Close()

	transport := newFakeTransport()
	factory := &fakeSignalingFactory{}
	syncManager := NewSyncManager(ctx, testDevice, account.Sync(), transport, factory.New)
	defer syncManager.Close()
	err := syncManager.Start()
	assert.Equal(t, err, nil)

	err = syncManager.AddSyncDevice("device-b", "phone")
	assert.Equal(t, err, nil)
	_, _, deviceIds := transport.snapshot()
	assert.Equal(t, deviceIds, []string{"device-a", "device-b"})
	assert.Equal(t, transport.added, []string{"device-b"})

	err = syncManager.UpdateSyncDevice("device-b", "tablet")
	assert.Equal(t, err, nil)
	syncValue, err := account.Sync().Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, syncValue.Devices["device-b"].Name, "tablet")

	err = syncManager.UpdateSyncDevice("device-c", "watch")
	assert.Equal(t, errors.Is(err, ErrDeviceNotFound), true)

	err = syncManager.RemoveSyncDevice("device-b")
	assert.Equal(t, err, nil)
	assert.Equal(t, transport.removed, []string{"device-b"})
	_, _, deviceIds = transport.snapshot()
	assert.Equal(t, deviceIds, []string{"device-a"})
	syncValue, err = account.Sync().Value()
	assert.Equal(t, err, nil)
	_, ok := syncValue.Devices["device-b"]
	assert.Equal(t, ok, false)

	// the relay joining reannounces pending peers
	factory.last().emit(&relay.Envelope{Type: relay.EnvelopeTypeJoin, From: "device-b"})
	factory.last().emit(&relay.Envelope{Type: relay.EnvelopeTypeLeave, From: "device-b"})
	transport.stateLock.Lock()
	assert.Equal(t, transport.reannounceCount, 1)
	transport.stateLock.Unlock()
}

func TestSyncManagerJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, account := newTestAccount(t, ctx)
	defer r.Close()

	transport := newFakeTransport()
	factory := &fakeSignalingFactory{}
	syncManager := NewSyncManager(ctx, testDevice, account.Sync(), transport, factory.New)
	defer syncManager.Close()
	err := syncManager.Start()
	assert.Equal(t, err, nil)
	first := factory.last()

	syncUrl, err := SyncUrl("https://example.com/", relay.Credentials{Room: "room", Password: "pass word"})
	assert.Equal(t, err, nil)
	assert.Equal(t, syncUrl, "https://example.com/sync?password=pass+word&room=room")

	credentials, err := ParseSyncUrl(syncUrl)
	assert.Equal(t, err, nil)
	err = syncManager.Join(credentials)
	assert.Equal(t, err, nil)

	assert.Equal(t, syncManager.Credentials(), relay.Credentials{Room: "room", Password: "pass word"})
	assert.Equal(t, first.closed, true)
	assert.Equal(t, factory.last().credentials, credentials)

	ownUrl, err := syncManager.SyncUrl("https://example.com")
	assert.Equal(t, err, nil)
	assert.Equal(t, ownUrl, syncUrl)

	_, err = ParseSyncUrl("https://example.com/sync?room=room")
	assert.Equal(t, errors.Is(err, ErrInvalidSyncUrl), true)
	err = syncManager.Join(relay.Credentials{})
	assert.Equal(t, errors.Is(err, ErrInvalidSyncUrl), true)
}

func TestSyncManagerRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := relay.NewServerWithDefaults(ctx, []byte("test-secret"), relay.NewMemoryBroker())
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	defer server.Close()

	r, account := newTestAccount(t, ctx)
	defer r.Close()

	tokens := relay.NewTokenSourceWithDefaults(ctx, httpServer.URL)
	transport := newFakeTransport()
	syncManager := NewSyncManager(
		ctx,
		testDevice,
		account.Sync(),
		transport,
		NewRelaySignalingFactory(httpServer.URL, tokens, relay.DefaultClientSettings()),
	)
	defer syncManager.Close()
	err := syncManager.Start()
	assert.Equal(t, err, nil)

	// connecting to the relay reannounces
	select {
	case <-transport.reannounced:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	signaling, _, _ := transport.snapshot()
	client, ok := signaling.(*relay.Client)
	assert.Equal(t, ok, true)
	assert.Equal(t, client.IsConnected(), true)
	assert.Equal(t, client.DeviceId(), "device-a")
}

func TestHostDevice(t *testing.T) {
	dir := t.TempDir()
	machineIdPath := filepath.Join(dir, "machine-id")
	err := os.WriteFile(machineIdPath, []byte("abc\n"), 0600)
	assert.Equal(t, err, nil)

	a := newHostDevice([]string{filepath.Join(dir, "missing"), machineIdPath})
	b := newHostDevice([]string{machineIdPath})
	assert.Equal(t, a.DeviceId(), b.DeviceId())
	assert.Equal(t, len(a.DeviceId()), 16)
	assert.NotEqual(t, a.Name(), "")

	err = os.WriteFile(machineIdPath, []byte("def\n"), 0600)
	assert.Equal(t, err, nil)
	c := newHostDevice([]string{machineIdPath})
	assert.NotEqual(t, c.DeviceId(), a.DeviceId())
}
