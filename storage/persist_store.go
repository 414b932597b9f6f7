package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore wraps LevelDB for raw key-value persistence.
// This is the foundational persistence layer - no tree logic here.
// Thread-safe: LevelDB handles its own synchronization.
type PersistenceStore struct {
	db *leveldb.DB
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &PersistenceStore{db: db}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// Write applies a batch atomically: all rows land or none do.
func (ps *PersistenceStore) Write(batch *leveldb.Batch) error {
	return ps.db.Write(batch, nil)
}

// NewPrefixIterator iterates every key starting with prefix, in key order.
// The caller must Release the iterator.
func (ps *PersistenceStore) NewPrefixIterator(prefix []byte) iterator.Iterator {
	return ps.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// FirstWithPrefix returns the first key/value under prefix in key order.
func (ps *PersistenceStore) FirstWithPrefix(prefix []byte) (key []byte, value []byte, found bool, err error) {
	iter := ps.NewPrefixIterator(prefix)
	defer iter.Release()
	if !iter.Next() {
		return nil, nil, false, iter.Error()
	}
	key = append([]byte{}, iter.Key()...)
	value = append([]byte{}, iter.Value()...)
	return key, value, true, iter.Error()
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

// DB returns the underlying LevelDB instance for advanced operations.
// Use sparingly - prefer the wrapper methods.
func (ps *PersistenceStore) DB() *leveldb.DB {
	return ps.db
}
