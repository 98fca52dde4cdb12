package harbor

import (
	"context"
	"time"

	"github.com/dep2p/harbor/internal/core/capability"
	"github.com/dep2p/harbor/pkg/types"
)

// GrantPermission lets subject do kind until ttl passes. A zero ttl never
// expires.
func (n *Node) GrantPermission(ctx context.Context, subject types.PeerID, kind types.CapabilityKind, ttl time.Duration) (*capability.Grant, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.caps.IssueGrant(ctx, subject, kind, ttl)
}

// GrantAll grants subject every capability kind.
func (n *Node) GrantAll(ctx context.Context, subject types.PeerID) ([]*capability.Grant, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.caps.GrantAll(ctx, subject)
}

// RevokePermission withdraws every live grant of kind to subject.
func (n *Node) RevokePermission(ctx context.Context, subject types.PeerID, kind types.CapabilityKind) error {
	s, err := n.current()
	if err != nil {
		return err
	}
	return s.caps.Revoke(ctx, subject, kind)
}

// RevokeGrant withdraws one grant by id.
func (n *Node) RevokeGrant(ctx context.Context, grantID string) error {
	s, err := n.current()
	if err != nil {
		return err
	}
	_, err = s.caps.RevokeGrant(ctx, grantID)
	return err
}

// RequestPermission asks peer to grant kind. It reports whether the peer
// accepted the request for review; the grant itself arrives later.
func (n *Node) RequestPermission(ctx context.Context, peer types.PeerID, kind types.CapabilityKind, message string) (bool, error) {
	s, err := n.running()
	if err != nil {
		return false, err
	}
	return s.caps.RequestPermission(ctx, peer, kind, message)
}

// Grants returns the live grants issued by this node.
func (n *Node) Grants() ([]*capability.Grant, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.caps.Grants(), nil
}

// ReceivedGrants returns the live grants other peers issued to this node.
func (n *Node) ReceivedGrants() ([]*capability.Grant, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.caps.ReceivedGrants(), nil
}

// PendingRequests returns permission requests received from other peers.
func (n *Node) PendingRequests() ([]capability.Request, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.caps.PendingRequests(), nil
}
