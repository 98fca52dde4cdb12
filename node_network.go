package harbor

import (
	"context"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/network"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/pkg/types"
)

// StartNetwork starts listening, discovery, the sync engine and the
// configured relays.
func (n *Node) StartNetwork(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.currentLocked()
	if err != nil {
		return err
	}
	if s.running {
		return ErrNetworkRunning
	}
	if err := s.start(ctx); err != nil {
		return err
	}
	log.Info("network started", "peer", s.ident.PeerID().ShortString(), "addrs", s.net.ListenAddrs())
	return nil
}

// StopNetwork closes every connection. The identity stays unlocked and
// local operations keep working; outgoing events are queued.
func (n *Node) StopNetwork(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.currentLocked()
	if err != nil {
		return err
	}
	if !s.running {
		return ErrNetworkStopped
	}
	stopErr := s.app.Stop(ctx)
	fresh, err := n.newSession(ctx, s.ident)
	if err != nil {
		n.sess = nil
		n.identities.Lock()
		return fmt.Errorf("rebuild session: %w", err)
	}
	n.sess = fresh
	return stopErr
}

// NetworkRunning reports whether StartNetwork has been called.
func (n *Node) NetworkRunning() bool {
	_, err := n.running()
	return err == nil
}

// ListPeers returns every known peer. With the network stopped the stored
// records are reported as disconnected.
func (n *Node) ListPeers(ctx context.Context) ([]types.PeerInfo, error) {
	if s, err := n.running(); err == nil {
		return s.net.Peers(ctx)
	}
	if _, err := n.current(); err != nil {
		return nil, err
	}
	recs, err := n.store.Peers()
	if err != nil {
		return nil, err
	}
	out := make([]types.PeerInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.PeerInfo{
			ID:          r.ID,
			State:       types.PeerDisconnected,
			Addrs:       r.Multiaddrs(),
			DisplayName: r.DisplayName,
			Contact:     r.Contact,
			LastSeen:    r.LastSeen,
		})
	}
	return out, nil
}

// Connect dials a peer. addr is a full address ending in /p2p/<peer>.
func (n *Node) Connect(ctx context.Context, addr string) (types.PeerID, error) {
	s, err := n.running()
	if err != nil {
		return "", err
	}
	info, err := addrInfo(addr)
	if err != nil {
		return "", err
	}
	return info.ID, s.net.Connect(ctx, info)
}

// AddRelay keeps a reservation on the relay at addr so peers can reach this
// node through it.
func (n *Node) AddRelay(ctx context.Context, addr string) (types.PeerID, error) {
	s, err := n.running()
	if err != nil {
		return "", err
	}
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return s.net.AddRelay(ctx, a)
}

// RemoveRelay drops the reservation intent on a relay.
func (n *Node) RemoveRelay(ctx context.Context, relay types.PeerID) error {
	s, err := n.running()
	if err != nil {
		return err
	}
	return s.net.RemoveRelay(ctx, relay)
}

// NetworkStats returns connection counters and addresses.
func (n *Node) NetworkStats(ctx context.Context) (network.Stats, error) {
	s, err := n.running()
	if err != nil {
		return network.Stats{}, err
	}
	return s.net.Stats(ctx)
}

// Addrs returns the addresses other peers can reach this node at,
// relay circuits included.
func (n *Node) Addrs() ([]ma.Multiaddr, error) {
	s, err := n.running()
	if err != nil {
		return nil, err
	}
	return s.net.Addrs(), nil
}

// SyncWithPeer reconciles every log with an identified peer.
func (n *Node) SyncWithPeer(ctx context.Context, peer types.PeerID) error {
	s, err := n.running()
	if err != nil {
		return err
	}
	return s.engine.SyncWithPeer(ctx, peer)
}

// JoinCommunity registers the relay at addr as a community: the node holds
// a reservation on it and reconnects to it on every start.
func (n *Node) JoinCommunity(ctx context.Context, addr, name string) (*store.Community, error) {
	s, err := n.running()
	if err != nil {
		return nil, err
	}
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	relay, err := s.net.AddRelay(ctx, a)
	if err != nil {
		return nil, err
	}
	c := &store.Community{Relay: relay, Addr: addr, Name: name, JoinedAt: time.Now().UTC()}
	if err := n.store.PutCommunity(c); err != nil {
		return nil, err
	}
	log.Info("community joined", "relay", relay.ShortString(), "name", name)
	return c, nil
}

// LeaveCommunity forgets a community and its relay.
func (n *Node) LeaveCommunity(ctx context.Context, relay types.PeerID) error {
	if s, err := n.running(); err == nil {
		if err := s.net.RemoveRelay(ctx, relay); err != nil {
			return err
		}
	}
	return n.store.DeleteCommunity(relay)
}

// ListCommunities returns the joined communities.
func (n *Node) ListCommunities() ([]*store.Community, error) {
	if _, err := n.current(); err != nil {
		return nil, err
	}
	return n.store.Communities()
}
