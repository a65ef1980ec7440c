package store

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrKeyNotFound = errors.New("key not found")

// Storage persists document snapshots by key.
// Keys are `/` separated. Values are opaque.
type Storage interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Remove(key string) error
	// all entries whose key starts with `prefix`, in key order
	LoadRange(prefix string) ([]Entry, error)
	Close() error
}

type Entry struct {
	Key   string
	Value []byte
}

func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

type MemoryStorage struct {
	stateLock sync.Mutex
	values    map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string][]byte{},
	}
}

func (self *MemoryStorage) Load(key string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

func (self *MemoryStorage) Save(key string, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[key] = slices.Clone(value)
	return nil
}

func (self *MemoryStorage) Remove(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.values, key)
	return nil
}

func (self *MemoryStorage) LoadRange(prefix string) ([]Entry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.values)
	slices.Sort(keys)
	entries := []Entry{}
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{
				Key:   key,
				Value: slices.Clone(self.values[key]),
			})
		}
	}
	return entries, nil
}

func (self *MemoryStorage) Close() error {
	return nil
}
