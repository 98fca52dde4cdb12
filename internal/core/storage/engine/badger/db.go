// Package badger implements engine.Engine on BadgerDB.
package badger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/util/logger"
)

var log = logger.Logger("storage")

// Engine is a BadgerDB-backed engine.Engine.
type Engine struct {
	db     *badger.DB
	cfg    *engine.Config
	closed atomic.Bool

	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
}

var _ engine.Engine = (*Engine)(nil)

// New opens (or creates) the database described by cfg and starts value-log GC.
func New(cfg *engine.Config) (*Engine, error) {
	if cfg == nil {
		return nil, engine.ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithReadOnly(cfg.ReadOnly).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{db: db, cfg: cfg, gcCancel: cancel}
	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		e.gcWg.Add(1)
		go e.gcLoop(ctx)
	}
	return e, nil
}

func (e *Engine) gcLoop(ctx context.Context) {
	defer e.gcWg.Done()
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each successful pass may free another file; stop at the first miss.
			for e.db.RunValueLogGC(e.cfg.GCDiscardRatio) == nil {
			}
		}
	}
}

// Get implements engine.Reader.
func (e *Engine) Get(key []byte) ([]byte, error) {
	var out []byte
	err := e.View(func(t engine.Txn) error {
		v, err := t.Get(key)
		out = v
		return err
	})
	return out, err
}

// Has implements engine.Reader.
func (e *Engine) Has(key []byte) (bool, error) {
	var ok bool
	err := e.View(func(t engine.Txn) error {
		v, err := t.Has(key)
		ok = v
		return err
	})
	return ok, err
}

// Scan implements engine.Reader.
func (e *Engine) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	return e.View(func(t engine.Txn) error {
		return t.Scan(prefix, fn)
	})
}

// Put implements engine.Engine.
func (e *Engine) Put(key, value []byte) error {
	return e.Update(func(t engine.Txn) error { return t.Set(key, value) })
}

// Delete implements engine.Engine.
func (e *Engine) Delete(key []byte) error {
	return e.Update(func(t engine.Txn) error { return t.Delete(key) })
}

// Update implements engine.Engine.
func (e *Engine) Update(fn func(engine.Txn) error) error {
	if e.closed.Load() {
		return engine.ErrClosed
	}
	if e.cfg.ReadOnly {
		return engine.ErrReadOnly
	}
	return convertError(e.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, writable: true})
	}))
}

// View implements engine.Engine.
func (e *Engine) View(fn func(engine.Txn) error) error {
	if e.closed.Load() {
		return engine.ErrClosed
	}
	return convertError(e.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	}))
}

// Close stops GC and closes the database. Safe to call more than once.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.gcCancel()
	e.gcWg.Wait()
	log.Debug("closing storage engine", "path", e.cfg.Path, "inMemory", e.cfg.InMemory)
	return e.db.Close()
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return engine.ErrNotFound
	case errors.Is(err, badger.ErrEmptyKey):
		return engine.ErrEmptyKey
	case errors.Is(err, badger.ErrTxnTooBig):
		return engine.ErrTooLarge
	case errors.Is(err, badger.ErrConflict):
		return engine.ErrConflict
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return engine.ErrReadOnly
	}
	return err
}
