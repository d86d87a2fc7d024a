package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/fystack/logfilter/pkg/common/types"
)

// DB is a thin wrapper over a badger database. The stores built on top own
// their key namespaces; the wrapper only normalizes open options and the
// missing-key sentinel.
type DB struct {
	db *badger.DB
}

func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// OpenInMemory opens a badger instance without a backing directory.
// Used by tests and the in_memory storage mode.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.db.View(fn)
}

func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	return d.db.Update(fn)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Get reads a key within the given transaction, mapping badger's missing-key
// error to types.ErrKeyNotFound.
func Get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, types.ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// GetAny reads and decodes a key within the given transaction. The bool
// reports whether the key existed.
func GetAny(txn *badger.Txn, codec Codec, key []byte, v any) (bool, error) {
	data, err := Get(txn, key)
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, codec.Unmarshal(data, v)
}

// SetAny encodes and writes a value within the given transaction.
func SetAny(txn *badger.Txn, codec Codec, key []byte, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
