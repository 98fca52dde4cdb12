// Package store maps the node's persisted state onto typed tables in the
// key-value engine.
//
// Layout (one prefix per table):
//
//	i/record                                identity record
//	k/lamport                               lamport clock
//	e/<domain>/<lamport:20>/<origin>/<id>   event logs, scan order is log order
//	c/<peer>                                peer and contact table
//	s/<peer>/<domain>                       sync progress watermark
//	q/<peer>/<seq:20>                       outbound sync queue
//	q/#seq/<peer>                           outbound queue sequence
//	m/<hash>                                media metadata
//	mb/<hash>/<index:8>                     media chunks
//	g/<relay>                               joined communities
//	r/<peer>                                conversation read markers
//	ms/<message>                            message delivery status
package store

import (
	"errors"
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/kv"
	"github.com/dep2p/harbor/internal/util/logger"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("store")

// Store is the node's persisted state.
type Store struct {
	eng engine.Engine

	identity    *kv.Store
	clock       *kv.Store
	events      *kv.Store
	peers       *kv.Store
	progress    *kv.Store
	queue       *kv.Store
	media       *kv.Store
	blobs       *kv.Store
	communities *kv.Store
	reads       *kv.Store
	status      *kv.Store
}

// New returns a store over eng.
func New(eng engine.Engine) *Store {
	return &Store{
		eng:         eng,
		identity:    kv.New(eng, []byte("i/")),
		clock:       kv.New(eng, []byte("k/")),
		events:      kv.New(eng, []byte("e/")),
		peers:       kv.New(eng, []byte("c/")),
		progress:    kv.New(eng, []byte("s/")),
		queue:       kv.New(eng, []byte("q/")),
		media:       kv.New(eng, []byte("m/")),
		blobs:       kv.New(eng, []byte("mb/")),
		communities: kv.New(eng, []byte("g/")),
		reads:       kv.New(eng, []byte("r/")),
		status:      kv.New(eng, []byte("ms/")),
	}
}

// Module provides the store and its role interfaces.
func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			New,
			func(s *Store) identity.Store { return s },
		),
	)
}

// corrupt maps decode failures to the fatal store error and passes the rest
// through unchanged.
func corrupt(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrCorrupted) {
		return fmt.Errorf("%w: %v", types.ErrCorruptStore, err)
	}
	return err
}

// notFound maps the engine's missing-key error onto types.ErrNotFound.
func notFound(err error) error {
	if engine.IsNotFound(err) {
		return types.ErrNotFound
	}
	return corrupt(err)
}

// ============================================================================
//                              Identity
// ============================================================================

var identityKey = []byte("record")

// LoadIdentity returns the stored identity record or types.ErrNotFound.
func (s *Store) LoadIdentity() (*identity.Record, error) {
	var rec identity.Record
	if err := s.identity.GetJSON(identityKey, &rec); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// SaveIdentity replaces the identity record.
func (s *Store) SaveIdentity(rec *identity.Record) error {
	return s.identity.PutJSON(identityKey, rec)
}

// ============================================================================
//                              Clock
// ============================================================================

var lamportKey = []byte("lamport")

// LoadClock returns the persisted lamport counter, zero when unset.
func (s *Store) LoadClock() (uint64, error) {
	v, err := s.clock.GetUint64(lamportKey)
	return v, corrupt(err)
}

// SaveClock persists the lamport counter.
func (s *Store) SaveClock(v uint64) error {
	return s.clock.PutUint64(lamportKey, v)
}
