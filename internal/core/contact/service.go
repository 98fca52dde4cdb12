package contact

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"

	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/util/logger"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("contact")

// PeerStore is the peer table the contact list lives in.
type PeerStore interface {
	Peer(id types.PeerID) (*types.PeerRecord, error)
	UpdatePeer(id types.PeerID, fn func(*types.PeerRecord) bool) (*types.PeerRecord, error)
	Contacts() ([]*types.PeerRecord, error)
}

// Service manages the contact flags of the peer table.
type Service struct {
	peers    PeerStore
	keystore *identity.Keystore
	clock    clock.Clock
}

// NewService returns a contact service. clk may be nil.
func NewService(peers PeerStore, ks *identity.Keystore, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{peers: peers, keystore: ks, clock: clk}
}

// Module provides the contact service.
func Module() fx.Option {
	return fx.Module("contact",
		fx.Provide(func(p PeerStore, ks *identity.Keystore) *Service { return NewService(p, ks, nil) }),
	)
}

func (s *Service) checkNotSelf(id types.PeerID) error {
	me, err := s.keystore.Current()
	if err != nil {
		return err
	}
	if me.PeerID() == id {
		return fmt.Errorf("%w: cannot add self as contact", types.ErrValidation)
	}
	return nil
}

// Add marks id as a contact and merges what is known about it.
func (s *Service) Add(id types.PeerID, profile types.Profile, addrs []ma.Multiaddr) (*types.PeerRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if err := s.checkNotSelf(id); err != nil {
		return nil, err
	}
	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}
	now := s.clock.Now()
	rec, err := s.peers.UpdatePeer(id, func(r *types.PeerRecord) bool {
		if !r.Contact {
			r.AddedAt = now
		}
		r.Contact = true
		r.Blocked = false
		if profile.DisplayName != "" {
			r.DisplayName = profile.DisplayName
		}
		if profile.Bio != "" {
			r.Bio = profile.Bio
		}
		r.MergeAddrs(strs)
		return true
	})
	if err != nil {
		return nil, err
	}
	log.Info("contact added", "peer", id.ShortString(), "name", rec.DisplayName)
	return rec, nil
}

// AddBundle adds the peer described by b, keeping its agreement key.
func (s *Service) AddBundle(b *Bundle) (*types.PeerRecord, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Add(b.PeerID, b.Profile, b.Addrs); err != nil {
		return nil, err
	}
	return s.peers.UpdatePeer(b.PeerID, func(r *types.PeerRecord) bool {
		r.AgreementKey = append([]byte(nil), b.AgreementKey...)
		return true
	})
}

// AddFromString parses a contact string and adds the peer.
func (s *Service) AddFromString(str string) (*Bundle, *types.PeerRecord, error) {
	b, err := Parse(str)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.AddBundle(b)
	if err != nil {
		return nil, nil, err
	}
	return b, rec, nil
}

// Remove clears the contact flag of id. The peer record itself stays for
// the network layer. It reports whether id was a contact.
func (s *Service) Remove(id types.PeerID) (bool, error) {
	return s.setFlag(id, func(r *types.PeerRecord) bool {
		was := r.Contact
		r.Contact = false
		return was
	})
}

// Block marks id blocked. It reports whether the flag changed.
func (s *Service) Block(id types.PeerID) (bool, error) {
	return s.setFlag(id, func(r *types.PeerRecord) bool {
		was := r.Blocked
		r.Blocked = true
		return !was
	})
}

// Unblock clears the blocked flag of id.
func (s *Service) Unblock(id types.PeerID) (bool, error) {
	return s.setFlag(id, func(r *types.PeerRecord) bool {
		was := r.Blocked
		r.Blocked = false
		return was
	})
}

func (s *Service) setFlag(id types.PeerID, fn func(*types.PeerRecord) bool) (bool, error) {
	if _, err := s.peers.Peer(id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	changed := false
	_, err := s.peers.UpdatePeer(id, func(r *types.PeerRecord) bool {
		changed = fn(r)
		return changed
	})
	return changed, err
}

// IsBlocked reports whether id is blocked.
func (s *Service) IsBlocked(id types.PeerID) bool {
	rec, err := s.peers.Peer(id)
	return err == nil && rec.Blocked
}

// List returns the active contacts.
func (s *Service) List() ([]*types.PeerRecord, error) {
	return s.peers.Contacts()
}

// Bundle describes the local peer reachable at addrs.
func (s *Service) Bundle(addrs []ma.Multiaddr) (*Bundle, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Version:      Version,
		PeerID:       me.PeerID(),
		PublicKey:    me.PublicKey(),
		AgreementKey: me.AgreementPublicKey(),
		Addrs:        addrs,
		Profile:      me.Profile(),
	}, nil
}

// ContactString returns the shareable string of the local peer.
func (s *Service) ContactString(addrs []ma.Multiaddr) (string, error) {
	b, err := s.Bundle(addrs)
	if err != nil {
		return "", err
	}
	return Encode(b)
}
