package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/pkg/types"
)

// Identity is an unlocked identity. It holds private key material; Destroy
// zeroes it.
type Identity struct {
	id        types.PeerID
	signing   ed25519.PrivateKey
	agreement []byte
	agreePub  []byte
	createdAt time.Time

	mu      sync.RWMutex
	profile types.Profile
}

func newIdentity(priv ed25519.PrivateKey, profile types.Profile, createdAt time.Time) (*Identity, error) {
	pub := priv.Public().(ed25519.PublicKey)
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	agree, err := crypto.AgreementPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	agreePub, err := crypto.AgreementPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		id:        id,
		signing:   priv,
		agreement: agree,
		agreePub:  agreePub,
		createdAt: createdAt,
		profile:   profile,
	}, nil
}

// Generate creates a fresh identity.
func Generate(profile types.Profile) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newIdentity(priv, profile, time.Now().UTC())
}

// PeerID returns the identity's peer id.
func (i *Identity) PeerID() types.PeerID { return i.id }

// PublicKey returns the Ed25519 signing key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.signing.Public().(ed25519.PublicKey)
}

// AgreementPublicKey returns the X25519 public key.
func (i *Identity) AgreementPublicKey() []byte {
	return append([]byte(nil), i.agreePub...)
}

// CreatedAt returns when the identity was generated.
func (i *Identity) CreatedAt() time.Time { return i.createdAt }

// Profile returns the display metadata.
func (i *Identity) Profile() types.Profile {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.profile
}

// SetProfile replaces the display metadata.
func (i *Identity) SetProfile(p types.Profile) {
	i.mu.Lock()
	i.profile = p
	i.mu.Unlock()
}

// Sign signs msg with the identity key.
func (i *Identity) Sign(msg []byte) []byte {
	return crypto.Sign(i.signing, msg)
}

// PrivateKey exposes the signing key for transport-level handshakes.
func (i *Identity) PrivateKey() ed25519.PrivateKey { return i.signing }

// ConversationKey derives the key shared with remote, taking the remote
// agreement key from its peer id.
func (i *Identity) ConversationKey(remote types.PeerID) ([]byte, error) {
	remotePub, err := crypto.AgreementKeyForPeer(remote)
	if err != nil {
		return nil, fmt.Errorf("conversation key for %s: %w", remote.ShortString(), err)
	}
	return crypto.DeriveConversationKey(i.agreement, remotePub, crypto.ConversationContext(i.id, remote))
}

// Destroy zeroes the private key material.
func (i *Identity) Destroy() {
	crypto.Zero(i.signing)
	crypto.Zero(i.agreement)
}
