package harbor

import (
	"context"

	"github.com/dep2p/harbor/pkg/types"
)

// IdentityInfo describes the unlocked identity.
type IdentityInfo struct {
	PeerID       types.PeerID
	PublicKey    []byte
	AgreementKey []byte
	Profile      types.Profile
}

// HasIdentity reports whether an identity record is stored.
func (n *Node) HasIdentity() (bool, error) {
	return n.identities.Exists()
}

// CreateIdentity generates a new identity sealed under passphrase and
// unlocks it.
func (n *Node) CreateIdentity(ctx context.Context, passphrase string, profile types.Profile) (*IdentityInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	id, err := n.identities.Create(passphrase, profile)
	if err != nil {
		return nil, err
	}
	s, err := n.newSession(ctx, id)
	if err != nil {
		n.identities.Lock()
		return nil, err
	}
	n.sess = s
	return n.identityInfo(s), nil
}

// UnlockIdentity decrypts the stored identity and rebuilds the local
// state from the event logs. Unlocking an unlocked node is a no-op.
func (n *Node) UnlockIdentity(ctx context.Context, passphrase string) (*IdentityInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	if n.sess != nil {
		return n.identityInfo(n.sess), nil
	}
	id, err := n.identities.Unlock(passphrase)
	if err != nil {
		return nil, err
	}
	s, err := n.newSession(ctx, id)
	if err != nil {
		n.identities.Lock()
		return nil, err
	}
	n.sess = s
	return n.identityInfo(s), nil
}

// LockIdentity stops the network and wipes the keys from memory.
func (n *Node) LockIdentity(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	var err error
	if n.sess != nil {
		err = n.sess.app.Stop(ctx)
		n.sess = nil
	}
	n.identities.Lock()
	return err
}

// Identity returns the unlocked identity.
func (n *Node) Identity() (*IdentityInfo, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return n.identityInfo(s), nil
}

// UpdateProfile changes the display name and bio announced to peers.
func (n *Node) UpdateProfile(profile types.Profile) error {
	if _, err := n.current(); err != nil {
		return err
	}
	return n.identities.UpdateProfile(profile)
}

func (n *Node) identityInfo(s *session) *IdentityInfo {
	return &IdentityInfo{
		PeerID:       s.ident.PeerID(),
		PublicKey:    append([]byte(nil), s.ident.PublicKey()...),
		AgreementKey: s.ident.AgreementPublicKey(),
		Profile:      s.ident.Profile(),
	}
}
