package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/fx"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/util/logger"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("identity")

// Store persists the identity record.
type Store interface {
	LoadIdentity() (*Record, error)
	SaveIdentity(*Record) error
}

// Service creates and unlocks the local identity.
type Service struct {
	store    Store
	keystore *Keystore
	cfg      config.IdentityConfig
}

// NewService returns a service over store and keystore.
func NewService(store Store, keystore *Keystore, cfg config.IdentityConfig) *Service {
	return &Service{store: store, keystore: keystore, cfg: cfg}
}

// Module provides the keystore and the identity service.
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(
			NewKeystore,
			func(s Store, ks *Keystore, c *config.Config) *Service { return NewService(s, ks, c.Identity) },
		),
	)
}

// Keystore returns the keystore the service fills.
func (s *Service) Keystore() *Keystore { return s.keystore }

func (s *Service) checkPassphrase(passphrase string) error {
	if utf8.RuneCountInString(passphrase) < s.cfg.MinPassphraseLength {
		return fmt.Errorf("%w: must be at least %d characters", types.ErrInvalidPassphrase, s.cfg.MinPassphraseLength)
	}
	return nil
}

// Create generates, seals, persists and unlocks a new identity.
func (s *Service) Create(passphrase string, profile types.Profile) (*Identity, error) {
	if err := s.checkPassphrase(passphrase); err != nil {
		return nil, err
	}
	profile.DisplayName = strings.TrimSpace(profile.DisplayName)
	if profile.DisplayName == "" {
		return nil, fmt.Errorf("%w: display name is required", types.ErrValidation)
	}
	if _, err := s.store.LoadIdentity(); err == nil {
		return nil, types.ErrIdentityExists
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	id, err := Generate(profile)
	if err != nil {
		return nil, err
	}
	rec, err := Seal(id, passphrase, KDFFromConfig(s.cfg))
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveIdentity(rec); err != nil {
		return nil, err
	}
	s.keystore.Set(id)
	log.Info("identity created", "peer", id.PeerID().ShortString())
	return id, nil
}

// Unlock decrypts the stored identity into the keystore.
func (s *Service) Unlock(passphrase string) (*Identity, error) {
	if err := s.checkPassphrase(passphrase); err != nil {
		return nil, err
	}
	rec, err := s.store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	id, err := rec.Open(passphrase)
	if err != nil {
		log.Warn("identity unlock failed", "err", err)
		return nil, err
	}
	s.keystore.Set(id)
	log.Info("identity unlocked", "peer", id.PeerID().ShortString())
	return id, nil
}

// Exists reports whether a record is stored.
func (s *Service) Exists() (bool, error) {
	_, err := s.store.LoadIdentity()
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateProfile changes the display metadata of the unlocked identity and
// rewrites the record's plaintext profile.
func (s *Service) UpdateProfile(p types.Profile) error {
	id, err := s.keystore.Current()
	if err != nil {
		return err
	}
	rec, err := s.store.LoadIdentity()
	if err != nil {
		return err
	}
	id.SetProfile(p)
	rec.Profile = p
	return s.store.SaveIdentity(rec)
}

// Lock zeroes and drops the unlocked identity.
func (s *Service) Lock() {
	s.keystore.Lock()
	log.Info("identity locked")
}
