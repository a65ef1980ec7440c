package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-yaml"
	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"

	"github.com/duckduckfit/docsync/account"
	"github.com/duckduckfit/docsync/p2p"
	"github.com/duckduckfit/docsync/relay"
	"github.com/duckduckfit/docsync/repo"
	"github.com/duckduckfit/docsync/store"
)

const (
	StorageBadger = "badger"
	StoragePebble = "pebble"
	StorageMemory = "memory"
)

// SyncConfig is the yaml config of `docsyncctl sync`. Flags override it.
type SyncConfig struct {
	DataDir     string   `yaml:"data_dir"`
	Storage     string   `yaml:"storage"`
	ApiUrl      string   `yaml:"api_url"`
	WsUrl       string   `yaml:"ws_url"`
	PublicUrl   string   `yaml:"public_url"`
	DeviceName  string   `yaml:"device_name"`
	MetricsAddr string   `yaml:"metrics_addr"`
	IceServers  []string `yaml:"ice_servers"`
	CacheSize   int      `yaml:"cache_size"`
	FindTimeout string   `yaml:"find_timeout"`
}

func DefaultSyncConfig() *SyncConfig {
	dataDir := ".docsync"
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".docsync")
	}
	return &SyncConfig{
		DataDir:     dataDir,
		Storage:     StorageBadger,
		ApiUrl:      DefaultApiUrl,
		PublicUrl:   DefaultApiUrl,
		IceServers:  []string{"stun:stun.l.google.com:19302"},
		CacheSize:   store.DefaultCacheSize,
		FindTimeout: "30s",
	}
}

func LoadSyncConfig(path string) (*SyncConfig, error) {
	config := DefaultSyncConfig()
	if path == "" {
		return config, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (self *SyncConfig) applyOpts(opts docopt.Opts) {
	overrides := map[string]*string{
		"--data_dir":     &self.DataDir,
		"--storage":      &self.Storage,
		"--api_url":      &self.ApiUrl,
		"--ws_url":       &self.WsUrl,
		"--public_url":   &self.PublicUrl,
		"--name":         &self.DeviceName,
		"--metrics_addr": &self.MetricsAddr,
	}
	for key, value := range overrides {
		if v, err := opts.String(key); err == nil && v != "" {
			*value = v
		}
	}
	if self.WsUrl == "" {
		self.WsUrl = self.ApiUrl
	}
}

func (self *SyncConfig) openStorage() (store.Storage, error) {
	var storage store.Storage
	var err error
	switch self.Storage {
	case StorageBadger:
		storage, err = store.NewBadgerStorageWithDefaults(filepath.Join(self.DataDir, "badger"))
	case StoragePebble:
		storage, err = store.NewPebbleStorageWithDefaults(filepath.Join(self.DataDir, "pebble"))
	case StorageMemory:
		storage = store.NewMemoryStorage()
	default:
		return nil, fmt.Errorf("Unknown storage %s.", self.Storage)
	}
	if err != nil {
		return nil, err
	}
	if 0 < self.CacheSize {
		return store.NewCachedStorage(storage, self.CacheSize)
	}
	return storage, nil
}

func (self *SyncConfig) peerFactory() p2p.PeerFactory {
	settings := p2p.DefaultPionPeerSettings()
	if 0 < len(self.IceServers) {
		settings.Configuration.ICEServers = []webrtc.ICEServer{
			{URLs: self.IceServers},
		}
	}
	return p2p.NewPionPeerFactory(settings)
}

// the account of this device is remembered next to its documents
var accountIdKey = store.Key("account", "id")

func loadAccountId(storage store.Storage) (repo.DocumentId, error) {
	b, err := storage.Load(accountIdKey)
	if errors.Is(err, store.ErrKeyNotFound) {
		return repo.DocumentId{}, nil
	}
	if err != nil {
		return repo.DocumentId{}, err
	}
	return repo.ParseId(string(b))
}

func syncDevice(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	configPath, _ := opts.String("--config")
	config, err := LoadSyncConfig(configPath)
	if err != nil {
		panic(err)
	}
	config.applyOpts(opts)

	findTimeout, err := time.ParseDuration(config.FindTimeout)
	if err != nil {
		panic(err)
	}

	var device account.Device = account.NewHostDevice()
	if config.DeviceName != "" {
		device = &account.StaticDevice{
			Id:         device.DeviceId(),
			DeviceName: config.DeviceName,
		}
	}

	if config.MetricsAddr != "" {
		serveMetrics(ctx, config.MetricsAddr)
	}

	storage, err := config.openStorage()
	if err != nil {
		panic(err)
	}
	defer storage.Close()

	r := repo.NewRepoWithDefaults(ctx, storage)
	defer r.Close()

	transport := p2p.NewWebRtcTransport(ctx, device.DeviceId(), &p2p.WebRtcTransportSettings{
		PeerFactory: config.peerFactory(),
	})
	if err := r.AddNetworkAdapter(transport); err != nil {
		panic(err)
	}

	tokens := relay.NewTokenSourceWithDefaults(ctx, config.ApiUrl)
	signalingFactory := account.NewRelaySignalingFactory(config.WsUrl, tokens, relay.DefaultClientSettings())

	accountId, err := loadAccountId(storage)
	if err != nil {
		panic(err)
	}

	var joinSignaling account.RoomSignaling
	if syncUrl, err := opts.String("--join"); err == nil && syncUrl != "" {
		// the other devices sync the account here once they see this device in their room
		credentials, err := account.ParseSyncUrl(syncUrl)
		if err != nil {
			panic(err)
		}
		joinId, err := opts.String("--account")
		if err != nil {
			panic(errors.New("Joining needs the --account id printed by the other device."))
		}
		accountId, err = repo.ParseId(joinId)
		if err != nil {
			panic(err)
		}
		joinSignaling = signalingFactory(ctx, credentials, device.DeviceId())
		transport.SetSignaling(joinSignaling)
		fmt.Printf("Add device %s on the other device to finish joining.\n", device.DeviceId())
	}

	findCtx, findCancel := context.WithTimeout(ctx, findTimeout)
	userAccount, err := account.BootstrapWithDefaults(findCtx, r, device, accountId)
	findCancel()
	if err != nil {
		panic(err)
	}
	if err := storage.Save(accountIdKey, []byte(userAccount.UserDocumentId().String())); err != nil {
		panic(err)
	}

	syncManager := account.NewSyncManager(ctx, device, userAccount.Sync(), transport, signalingFactory)
	defer syncManager.Close()
	if err := syncManager.Start(); err != nil {
		panic(err)
	}
	if joinSignaling != nil {
		// the sync manager now signals through its own client
		joinSignaling.Close()
	}

	syncUrl, err := syncManager.SyncUrl(config.PublicUrl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("account: %s\n", userAccount.UserDocumentId())
	fmt.Printf("device: %s (%s)\n", device.DeviceId(), device.Name())
	fmt.Printf("sync url: %s\n", syncUrl)

	transport.AddEventCallback(func(event repo.NetworkEvent) {
		switch v := event.(type) {
		case *repo.PeerCandidateEvent:
			if v.PeerId != repo.SelfPeerId {
				glog.Infof("[sync]device connected %s\n", v.DeviceId)
			}
		case *repo.PeerDisconnectedEvent:
			glog.Infof("[sync]device disconnected %s\n", v.DeviceId)
		}
	})

	<-ctx.Done()
}

func deviceId(opts docopt.Opts) {
	device := account.NewHostDevice()
	fmt.Printf("%s (%s)\n", device.DeviceId(), device.Name())
}
