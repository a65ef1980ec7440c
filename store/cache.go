package store

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/slices"
)

const DefaultCacheSize = 1024

// CachedStorage fronts a storage with an lru of recent loads and saves.
// Range loads always go to the underlying storage.
type CachedStorage struct {
	storage Storage
	cache   *lru.Cache[string, []byte]
}

func NewCachedStorage(storage Storage, size int) (*CachedStorage, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStorage{
		storage: storage,
		cache:   cache,
	}, nil
}

func (self *CachedStorage) Load(key string) ([]byte, error) {
	if value, ok := self.cache.Get(key); ok {
		return slices.Clone(value), nil
	}
	value, err := self.storage.Load(key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			self.cache.Remove(key)
		}
		return nil, err
	}
	self.cache.Add(key, slices.Clone(value))
	return value, nil
}

func (self *CachedStorage) Save(key string, value []byte) error {
	if err := self.storage.Save(key, value); err != nil {
		self.cache.Remove(key)
		return err
	}
	self.cache.Add(key, slices.Clone(value))
	return nil
}

func (self *CachedStorage) Remove(key string) error {
	self.cache.Remove(key)
	return self.storage.Remove(key)
}

func (self *CachedStorage) LoadRange(prefix string) ([]Entry, error) {
	return self.storage.LoadRange(prefix)
}

func (self *CachedStorage) Close() error {
	self.cache.Purge()
	return self.storage.Close()
}
