package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	recordVersion = 1
	saltSize      = 16
)

// KDFParams are the Argon2id parameters recorded with the identity so a
// record stays unlockable after the defaults change.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memoryKiB"`
	Threads uint8  `json:"threads"`
}

// KDFFromConfig returns the parameters from the identity section.
func KDFFromConfig(c config.IdentityConfig) KDFParams {
	return KDFParams{Time: c.KDFTime, Memory: c.KDFMemory, Threads: c.KDFThreads}
}

func (p KDFParams) derive(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, crypto.KeySize)
}

// Record is the persisted, encrypted form of an identity.
type Record struct {
	Version         int           `json:"version"`
	PeerID          types.PeerID  `json:"peerId"`
	Profile         types.Profile `json:"profile"`
	SigningPublic   []byte        `json:"signingPublic"`
	AgreementPublic []byte        `json:"agreementPublic"`
	Salt            []byte        `json:"salt"`
	KDF             KDFParams     `json:"kdf"`
	SealedSeed      []byte        `json:"sealedSeed"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Seal encrypts id under passphrase.
func Seal(id *Identity, passphrase string, kdf KDFParams) (*Record, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := kdf.derive(passphrase, salt)
	defer crypto.Zero(key)

	sealed, err := crypto.Encrypt(key, id.signing.Seed(), []byte(id.id))
	if err != nil {
		return nil, err
	}
	return &Record{
		Version:         recordVersion,
		PeerID:          id.id,
		Profile:         id.Profile(),
		SigningPublic:   id.PublicKey(),
		AgreementPublic: id.AgreementPublicKey(),
		Salt:            salt,
		KDF:             kdf,
		SealedSeed:      sealed,
		CreatedAt:       id.createdAt,
	}, nil
}

// Open decrypts the record.
//
// A wrong passphrase (or any tampering with the sealed seed) fails with
// ErrAuthenticationFailed; a record whose decrypted key does not match its
// stated public keys fails with ErrCorruptStore.
func (r *Record) Open(passphrase string) (*Identity, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	key := r.KDF.derive(passphrase, r.Salt)
	defer crypto.Zero(key)

	seed, err := crypto.Decrypt(key, r.SealedSeed, []byte(r.PeerID))
	if errors.Is(err, types.ErrDecrypt) {
		return nil, types.ErrAuthenticationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptStore, err)
	}
	defer crypto.Zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed size %d", types.ErrCorruptStore, len(seed))
	}

	id, err := newIdentity(ed25519.NewKeyFromSeed(seed), r.Profile, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptStore, err)
	}
	if id.id != r.PeerID || !id.PublicKey().Equal(ed25519.PublicKey(r.SigningPublic)) {
		id.Destroy()
		return nil, fmt.Errorf("%w: key does not match peer id", types.ErrCorruptStore)
	}
	return id, nil
}

func (r *Record) check() error {
	switch {
	case r.Version != recordVersion:
		return fmt.Errorf("%w: record version %d", types.ErrCorruptStore, r.Version)
	case len(r.Salt) != saltSize:
		return fmt.Errorf("%w: salt", types.ErrCorruptStore)
	case r.KDF.Time == 0 || r.KDF.Memory == 0 || r.KDF.Threads == 0:
		return fmt.Errorf("%w: kdf parameters", types.ErrCorruptStore)
	case len(r.SigningPublic) != ed25519.PublicKeySize:
		return fmt.Errorf("%w: signing key", types.ErrCorruptStore)
	}
	if err := r.PeerID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCorruptStore, err)
	}
	return nil
}
