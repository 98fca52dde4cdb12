// Package kv layers namespaced, typed access over an engine.Engine.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dep2p/harbor/internal/core/storage/engine"
)

// Store scopes every key under a fixed prefix.
type Store struct {
	eng    engine.Engine
	prefix []byte
}

// New returns a store rooted at prefix.
func New(eng engine.Engine, prefix []byte) *Store {
	return &Store{eng: eng, prefix: append([]byte(nil), prefix...)}
}

// Sub returns a store nested under this store's prefix.
func (s *Store) Sub(prefix []byte) *Store {
	return New(s.eng, s.key(prefix))
}

func (s *Store) key(k []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

// Get returns the value stored at key.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.eng.Get(s.key(key))
}

// Put stores value at key.
func (s *Store) Put(key, value []byte) error {
	return s.eng.Put(s.key(key), value)
}

// Delete removes key.
func (s *Store) Delete(key []byte) error {
	return s.eng.Delete(s.key(key))
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	return s.eng.Has(s.key(key))
}

// GetJSON decodes the JSON value stored at key into v.
func (s *Store) GetJSON(key []byte, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCorrupted, err)
	}
	return nil
}

// PutJSON stores v encoded as JSON.
func (s *Store) PutJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// GetUint64 reads a big-endian counter. A missing key reads as zero.
func (s *Store) GetUint64(key []byte) (uint64, error) {
	data, err := s.Get(key)
	if engine.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return DecodeUint64(data)
}

// PutUint64 writes a big-endian counter.
func (s *Store) PutUint64(key []byte, v uint64) error {
	return s.Put(key, EncodeUint64(v))
}

// Scan iterates keys under sub, passing keys relative to this store's prefix.
func (s *Store) Scan(sub []byte, fn func(key, value []byte) bool) error {
	return s.eng.Scan(s.key(sub), func(k, v []byte) bool {
		return fn(k[len(s.prefix):], v)
	})
}

// Count returns the number of keys under sub.
func (s *Store) Count(sub []byte) (int, error) {
	n := 0
	err := s.Scan(sub, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Update runs fn atomically with a transaction scoped to this store.
func (s *Store) Update(fn func(*Txn) error) error {
	return s.eng.Update(func(t engine.Txn) error {
		return fn(&Txn{txn: t, store: s})
	})
}

// View runs fn against a consistent snapshot scoped to this store.
func (s *Store) View(fn func(*Txn) error) error {
	return s.eng.View(func(t engine.Txn) error {
		return fn(&Txn{txn: t, store: s})
	})
}

// Txn is a prefix-scoped transaction.
type Txn struct {
	txn   engine.Txn
	store *Store
}

// Get returns the value at key.
func (t *Txn) Get(key []byte) ([]byte, error) { return t.txn.Get(t.store.key(key)) }

// Has reports whether key exists.
func (t *Txn) Has(key []byte) (bool, error) { return t.txn.Has(t.store.key(key)) }

// Set stores value at key.
func (t *Txn) Set(key, value []byte) error { return t.txn.Set(t.store.key(key), value) }

// Delete removes key.
func (t *Txn) Delete(key []byte) error { return t.txn.Delete(t.store.key(key)) }

// SetJSON stores v encoded as JSON.
func (t *Txn) SetJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Set(key, data)
}

// Scan iterates keys under sub relative to the store prefix.
func (t *Txn) Scan(sub []byte, fn func(key, value []byte) bool) error {
	plen := len(t.store.prefix)
	return t.txn.Scan(t.store.key(sub), func(k, v []byte) bool {
		return fn(k[plen:], v)
	})
}

// EncodeUint64 returns the 8-byte big-endian form of v.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 parses an 8-byte big-endian value.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, engine.ErrCorrupted
	}
	return binary.BigEndian.Uint64(b), nil
}
