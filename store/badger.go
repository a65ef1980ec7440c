package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

const defaultBadgerValueLogFileSize = 64 * 1024 * 1024

type BadgerSettings struct {
	ValueLogFileSize int64
	// keep everything in memory. Used for tests.
	InMemory bool
}

func DefaultBadgerSettings() *BadgerSettings {
	return &BadgerSettings{
		ValueLogFileSize: defaultBadgerValueLogFileSize,
	}
}

type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorageWithDefaults(path string) (*BadgerStorage, error) {
	return NewBadgerStorage(path, DefaultBadgerSettings())
}

func NewBadgerStorage(path string, settings *BadgerSettings) (*BadgerStorage, error) {
	if settings.ValueLogFileSize <= 0 {
		return nil, fmt.Errorf("badger value log file size must be > 0, got %d", settings.ValueLogFileSize)
	}

	var opts badger.Options
	if settings.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithValueLogFileSize(settings.ValueLogFileSize)
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStorage{db: db}, nil
}

func (self *BadgerStorage) Load(key string) (value []byte, returnErr error) {
	returnErr = self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return
}

func (self *BadgerStorage) Save(key string, value []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (self *BadgerStorage) Remove(key string) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (self *BadgerStorage) LoadRange(prefix string) (entries []Entry, returnErr error) {
	entries = []Entry{}
	returnErr = self.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(iterOpts.Prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}
		return nil
	})
	return
}

func (self *BadgerStorage) Close() error {
	return self.db.Close()
}

// badger warnings and errors go to glog. Badger info is frequent so it is V(2).
type badgerLogger struct{}

func (self *badgerLogger) Errorf(format string, args ...any) {
	glog.Errorf("[badger]"+format, args...)
}

func (self *badgerLogger) Warningf(format string, args ...any) {
	glog.Infof("[badger]"+format, args...)
}

func (self *badgerLogger) Infof(format string, args ...any) {
	glog.V(2).Infof("[badger]"+format, args...)
}

func (self *badgerLogger) Debugf(format string, args ...any) {
	glog.V(2).Infof("[badger]"+format, args...)
}
