package network

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/pkg/types"
)

// Discoverer is a source of peers, such as mDNS.
type Discoverer interface {
	Name() string
	// Start begins discovery and reports peers through found until ctx ends
	// or Close is called.
	Start(ctx context.Context, found func(types.AddrInfo)) error
	Close() error
}

type discoverer struct {
	Discoverer
	autoDial bool
	started  bool
}

// AddDiscoverer adds a discovery source. With autoDial every newly found
// peer is connected right away. Sources added before Start begin with it.
func (n *Network) AddDiscoverer(d Discoverer, autoDial bool) error {
	entry := discoverer{Discoverer: d, autoDial: autoDial}
	if !n.running.Load() {
		n.discoverers = append(n.discoverers, entry)
		return nil
	}
	return n.exec(context.Background(), func() {
		n.discoverers = append(n.discoverers, entry)
		n.startDiscoverers()
	})
}

// startDiscoverers runs on the loop.
func (n *Network) startDiscoverers() {
	for i := range n.discoverers {
		d := &n.discoverers[i]
		if d.started {
			continue
		}
		d.started = true
		name, autoDial := d.Name(), d.autoDial
		found := func(info types.AddrInfo) {
			n.post(func() { n.onPeerFound(info, name, autoDial) })
		}
		if err := d.Start(n.ctx, found); err != nil {
			log.Warn("discovery failed to start", "source", name, "error", err)
			continue
		}
		log.Info("discovery started", "source", name)
	}
}

// HandlePeerFound records a peer learned outside the registered sources,
// such as from a contact string.
func (n *Network) HandlePeerFound(info types.AddrInfo, source string) {
	if !n.running.Load() {
		return
	}
	n.post(func() { n.onPeerFound(info, source, false) })
}

func (n *Network) onPeerFound(info types.AddrInfo, source string, autoDial bool) {
	if info.ID == n.local || info.ID.Validate() != nil {
		return
	}
	if _, ok := n.blocked[info.ID]; ok {
		return
	}
	addrs := make([]ma.Multiaddr, 0, len(info.Addrs))
	for _, a := range addrutil.FilterDialable(info.Addrs, true) {
		if !addrutil.IsCircuit(a) {
			a = addrutil.StripPeer(a)
		}
		addrs = append(addrs, a)
	}

	p, isNew := n.ensurePeer(info.ID)
	changed := p.mergeAddrs(addrs)
	if !isNew && !changed {
		return
	}
	if !p.state.IsConnected() {
		p.lastSeen = n.now()
	}
	n.emit(types.EvtPeerDiscovered{Peer: info.ID, Addrs: addrs, Source: source})
	log.Debug("peer discovered", "peer", info.ID.ShortString(), "source", source, "addrs", len(addrs))
	n.persistPeer(p)

	if autoDial && !p.state.IsConnected() && !p.dialing {
		n.connectLocked(info.ID, nil, nil)
	}
}

// IdentifiedPeers returns the Identified peers with their known addresses.
func (n *Network) IdentifiedPeers(ctx context.Context) ([]types.AddrInfo, error) {
	var out []types.AddrInfo
	err := n.exec(ctx, func() {
		for _, p := range n.peers {
			if p.state.IsIdentified() {
				out = append(out, types.AddrInfo{ID: p.id, Addrs: append([]ma.Multiaddr(nil), p.addrs...)})
			}
		}
	})
	return out, err
}
