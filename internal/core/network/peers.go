package network

import (
	"context"
	"sort"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/pkg/types"
)

// Peers returns a snapshot of every known peer ordered by id.
func (n *Network) Peers(ctx context.Context) ([]types.PeerInfo, error) {
	var out []types.PeerInfo
	err := n.exec(ctx, func() {
		out = make([]types.PeerInfo, 0, len(n.peers))
		for _, p := range n.peers {
			out = append(out, p.snapshot())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Peer returns the snapshot of one peer.
func (n *Network) Peer(ctx context.Context, id types.PeerID) (types.PeerInfo, error) {
	var (
		info  types.PeerInfo
		found bool
	)
	err := n.exec(ctx, func() {
		if p, ok := n.peers[id]; ok {
			info, found = p.snapshot(), true
		}
	})
	if err != nil {
		return types.PeerInfo{}, err
	}
	if !found {
		return types.PeerInfo{}, types.ErrNotFound
	}
	return info, nil
}

// IsIdentified reports whether id may receive application requests.
func (n *Network) IsIdentified(id types.PeerID) bool { return n.isIdentified(id) }

// SetContact marks id as a contact, which exempts its stored record from
// expiry, and optionally records a display name.
func (n *Network) SetContact(ctx context.Context, id types.PeerID, contact bool, displayName string) error {
	return n.exec(ctx, func() {
		p, _ := n.ensurePeer(id)
		p.contact = contact
		if displayName != "" {
			p.displayName = displayName
		}
	})
}

// Block closes every connection to id and refuses new ones.
func (n *Network) Block(ctx context.Context, id types.PeerID) error {
	return n.exec(ctx, func() {
		n.blocked[id] = struct{}{}
		p, ok := n.peers[id]
		if !ok {
			return
		}
		n.resolveWaiters(p, ErrBlocked)
		for c := range p.conns {
			go func() { _ = c.Close() }()
		}
		if in, ok := n.intents[id]; ok {
			in.stopTimer()
			delete(n.intents, id)
		}
	})
}

// Unblock lifts a block.
func (n *Network) Unblock(ctx context.Context, id types.PeerID) error {
	return n.exec(ctx, func() { delete(n.blocked, id) })
}

// Disconnect closes every connection to id. The peer stays known.
func (n *Network) Disconnect(ctx context.Context, id types.PeerID) error {
	return n.exec(ctx, func() {
		if p, ok := n.peers[id]; ok {
			for c := range p.conns {
				go func() { _ = c.Close() }()
			}
		}
	})
}

// Forget drops id from the live table. Its connections are closed.
func (n *Network) Forget(ctx context.Context, id types.PeerID) error {
	return n.exec(ctx, func() {
		p, ok := n.peers[id]
		if !ok {
			return
		}
		for c := range p.conns {
			c.cancel()
			go func() { _ = c.Close() }()
		}
		n.resolveWaiters(p, ErrNotConnected)
		n.identified.Delete(id)
		delete(n.peers, id)
	})
}

// Stats summarizes the network.
type Stats struct {
	Peers       int
	Connected   int
	Identified  int
	Relayed     int
	ListenAddrs []ma.Multiaddr
	RelayAddrs  []ma.Multiaddr
	External    []ma.Multiaddr
}

// Stats returns counters and addresses.
func (n *Network) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := n.exec(ctx, func() {
		st.Peers = len(n.peers)
		for _, p := range n.peers {
			if p.state.IsConnected() {
				st.Connected++
			}
			if p.state.IsIdentified() {
				st.Identified++
			}
			if p.relayed() {
				st.Relayed++
			}
		}
	})
	st.ListenAddrs = n.ListenAddrs()
	st.RelayAddrs = n.RelayAddrs()
	st.External = n.ExternalAddrs()
	return st, err
}
