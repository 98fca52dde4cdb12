package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/harbor/internal/core/storage/engine"
)

// Txn adapts *badger.Txn to engine.Txn.
type Txn struct {
	txn      *badger.Txn
	writable bool
}

var _ engine.Txn = (*Txn)(nil)

// Get implements engine.Reader.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, engine.ErrEmptyKey
	}
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, convertError(err)
	}
	return item.ValueCopy(nil)
}

// Has implements engine.Reader.
func (t *Txn) Has(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, engine.ErrEmptyKey
	}
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, convertError(err)
}

// Scan implements engine.Reader.
func (t *Txn) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !fn(item.KeyCopy(nil), v) {
			break
		}
	}
	return nil
}

// Set implements engine.Txn.
func (t *Txn) Set(key, value []byte) error {
	if !t.writable {
		return engine.ErrReadOnly
	}
	if len(key) == 0 {
		return engine.ErrEmptyKey
	}
	return convertError(t.txn.Set(key, value))
}

// Delete implements engine.Txn.
func (t *Txn) Delete(key []byte) error {
	if !t.writable {
		return engine.ErrReadOnly
	}
	if len(key) == 0 {
		return engine.ErrEmptyKey
	}
	return convertError(t.txn.Delete(key))
}
