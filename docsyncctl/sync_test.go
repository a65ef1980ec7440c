package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/go-playground/assert/v2"

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

func TestLoadSyncConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yml")
	err := os.WriteFile(path, []byte(`
storage: pebble
api_url: https://relay.example.com
device_name: laptop
ice_servers:
  - stun:stun.example.com:3478
find_timeout: 5s
`), 0600)
	assert.Equal(t, err, nil)

	config, err := LoadSyncConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Storage, StoragePebble)
	assert.Equal(t, config.ApiUrl, "https://relay.example.com")
	assert.Equal(t, config.DeviceName, "laptop")
	assert.Equal(t, config.IceServers, []string{"stun:stun.example.com:3478"})
	assert.Equal(t, config.FindTimeout, "5s")
	// unset keys keep their defaults
	assert.Equal(t, config.CacheSize, store.DefaultCacheSize)
	assert.Equal(t, config.PublicUrl, DefaultApiUrl)

	_, err = LoadSyncConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)
}

func TestSyncConfigApplyOpts(t *testing.T) {
	config := DefaultSyncConfig()
	config.applyOpts(docopt.Opts{
		"--storage": StorageMemory,
		"--api_url": "https://relay.example.com",
		"--name":    "desk",
		"--ws_url":  nil,
	})
	assert.Equal(t, config.Storage, StorageMemory)
	assert.Equal(t, config.ApiUrl, "https://relay.example.com")
	assert.Equal(t, config.DeviceName, "desk")
	// the websocket url follows the api url when unset
	assert.Equal(t, config.WsUrl, "https://relay.example.com")

	config.applyOpts(docopt.Opts{
		"--ws_url": "wss://ws.example.com",
	})
	assert.Equal(t, config.WsUrl, "wss://ws.example.com")
}

func TestOpenStorage(t *testing.T) {
	config := DefaultSyncConfig()
	config.Storage = StorageMemory
	storage, err := config.openStorage()
	assert.Equal(t, err, nil)
	defer storage.Close()

	accountId, err := loadAccountId(storage)
	assert.Equal(t, err, nil)
	assert.Equal(t, accountId.IsZero(), true)

	id := repo.NewId()
	err = storage.Save(accountIdKey, []byte(id.String()))
	assert.Equal(t, err, nil)
	accountId, err = loadAccountId(storage)
	assert.Equal(t, err, nil)
	assert.Equal(t, accountId, id)

	config.Storage = "floppy"
	_, err = config.openStorage()
	assert.NotEqual(t, err, nil)
}
