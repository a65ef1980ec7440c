package store

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type PebbleSettings struct {
	// fsync each write
	Sync bool
	// keep everything in memory. Used for tests.
	InMemory bool
}

func DefaultPebbleSettings() *PebbleSettings {
	return &PebbleSettings{
		Sync: true,
	}
}

type PebbleStorage struct {
	db           *pebble.DB
	writeOptions *pebble.WriteOptions
}

func NewPebbleStorageWithDefaults(path string) (*PebbleStorage, error) {
	return NewPebbleStorage(path, DefaultPebbleSettings())
}

func NewPebbleStorage(path string, settings *PebbleSettings) (*PebbleStorage, error) {
	opts := &pebble.Options{}
	if settings.InMemory {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	writeOptions := pebble.NoSync
	if settings.Sync {
		writeOptions = pebble.Sync
	}
	return &PebbleStorage{
		db:           db,
		writeOptions: writeOptions,
	}, nil
}

func (self *PebbleStorage) Load(key string) ([]byte, error) {
	value, closer, err := self.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	// the value is only valid until the closer is closed
	return append([]byte(nil), value...), nil
}

func (self *PebbleStorage) Save(key string, value []byte) error {
	return self.db.Set([]byte(key), value, self.writeOptions)
}

func (self *PebbleStorage) Remove(key string) error {
	return self.db.Delete([]byte(key), self.writeOptions)
}

func (self *PebbleStorage) LoadRange(prefix string) ([]Entry, error) {
	iterOpts := &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	}
	it, err := self.db.NewIter(iterOpts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	entries := []Entry{}
	for it.First(); it.Valid(); it.Next() {
		entries = append(entries, Entry{
			Key:   string(it.Key()),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return entries, it.Error()
}

func (self *PebbleStorage) Close() error {
	return self.db.Close()
}

// the smallest key greater than every key with the prefix. nil when unbounded.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; 0 <= i; i -= 1 {
		upper[i] += 1
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
