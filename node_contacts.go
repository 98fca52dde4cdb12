package harbor

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/pkg/types"
)

// AddContact marks a peer as a contact. addrs are optional multiaddrs the
// peer was seen at.
func (n *Node) AddContact(ctx context.Context, id types.PeerID, profile types.Profile, addrs ...string) (*types.PeerRecord, error) {
	if _, err := n.current(); err != nil {
		return nil, err
	}
	parsed := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
		parsed = append(parsed, m)
	}
	rec, err := n.contacts.Add(id, profile, parsed)
	if err != nil {
		return nil, err
	}
	n.introduce(ctx, rec)
	return rec, nil
}

// AddContactFromString adds the peer described by a harbor:// contact
// string and dials it when the network is running.
func (n *Node) AddContactFromString(ctx context.Context, str string) (*types.PeerRecord, error) {
	if _, err := n.current(); err != nil {
		return nil, err
	}
	_, rec, err := n.contacts.AddFromString(str)
	if err != nil {
		return nil, err
	}
	n.introduce(ctx, rec)
	return rec, nil
}

// introduce tells a running network about a new contact and dials it.
func (n *Node) introduce(ctx context.Context, rec *types.PeerRecord) {
	s, err := n.running()
	if err != nil {
		return
	}
	if err := s.net.SetContact(ctx, rec.ID, true, rec.DisplayName); err != nil {
		log.Debug("marking contact on network failed", "peer", rec.ID.ShortString(), "error", err)
	}
	addrs := rec.Multiaddrs()
	if len(addrs) == 0 {
		return
	}
	info := types.AddrInfo{ID: rec.ID, Addrs: addrs}
	go func() {
		if err := s.net.Connect(context.WithoutCancel(ctx), info); err != nil {
			log.Debug("dialing new contact failed", "peer", info.ID.ShortString(), "error", err)
		}
	}()
}

// ContactString returns this node's harbor:// contact string. With the
// network running it carries the listen and relay addresses.
func (n *Node) ContactString() (string, error) {
	if _, err := n.current(); err != nil {
		return "", err
	}
	var addrs []ma.Multiaddr
	if s, err := n.running(); err == nil {
		addrs = s.net.Addrs()
	}
	return n.contacts.ContactString(addrs)
}

// ListContacts returns the contacts that are not removed.
func (n *Node) ListContacts() ([]*types.PeerRecord, error) {
	if _, err := n.current(); err != nil {
		return nil, err
	}
	return n.contacts.List()
}

// BlockContact blocks a peer: its connections are closed and refused.
func (n *Node) BlockContact(ctx context.Context, id types.PeerID) error {
	if _, err := n.current(); err != nil {
		return err
	}
	if _, err := n.contacts.Block(id); err != nil {
		return err
	}
	if s, err := n.running(); err == nil {
		return s.net.Block(ctx, id)
	}
	return nil
}

// UnblockContact lifts a block.
func (n *Node) UnblockContact(ctx context.Context, id types.PeerID) error {
	if _, err := n.current(); err != nil {
		return err
	}
	if _, err := n.contacts.Unblock(id); err != nil {
		return err
	}
	if s, err := n.running(); err == nil {
		return s.net.Unblock(ctx, id)
	}
	return nil
}

// RemoveContact clears the contact flag. Grants issued to the peer are
// left alone; revoke them separately.
func (n *Node) RemoveContact(ctx context.Context, id types.PeerID) error {
	if _, err := n.current(); err != nil {
		return err
	}
	removed, err := n.contacts.Remove(id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("contact %s: %w", id.ShortString(), types.ErrNotFound)
	}
	if s, err := n.running(); err == nil {
		return s.net.SetContact(ctx, id, false, "")
	}
	return nil
}
