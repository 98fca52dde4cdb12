// Package engine defines the key-value contract harbor's persistence sits on.
package engine

// Engine is an ordered, transactional key-value store.
type Engine interface {
	Reader

	Put(key, value []byte) error
	Delete(key []byte) error

	// Update runs fn in a read-write transaction committed atomically when
	// fn returns nil.
	Update(fn func(Txn) error) error

	// View runs fn in a read-only snapshot.
	View(fn func(Txn) error) error

	Close() error
}

// Reader is the read side shared by engines and transactions.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)

	// Scan calls fn for every key with prefix in ascending order until fn
	// returns false. Keys and values are copies.
	Scan(prefix []byte, fn func(key, value []byte) bool) error
}

// Txn is a transaction handle valid only inside Update or View.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}
