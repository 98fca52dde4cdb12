package network

import (
	"github.com/dep2p/harbor/pkg/types"
)

// prune forgets peers unreachable for longer than the peer expiry. Contacts
// stay in the peer store; only their live entry is dropped.
func (n *Network) prune() {
	expiry := n.cfg.PeerExpiry.Duration()
	if expiry <= 0 {
		return
	}
	now := n.now()
	for id, p := range n.peers {
		if p.state.IsConnected() || p.dialing || len(p.conns) > 0 {
			continue
		}
		if _, relay := n.intents[id]; relay {
			continue
		}
		if now.Sub(p.lastSeen) < expiry {
			continue
		}

		delete(n.peers, id)
		n.identified.Delete(id)
		n.resolveWaiters(p, ErrNotConnected)
		n.emit(types.EvtPeerExpired{Peer: id, LastSeen: p.lastSeen})
		log.Info("peer expired", "peer", id.ShortString(), "last_seen", p.lastSeen)

		if n.peerStore != nil && !p.contact {
			n.runIO(func() {
				if err := n.peerStore.DeletePeer(id); err != nil {
					log.Debug("deleting expired peer failed", "peer", id.ShortString(), "error", err)
				}
			})
		}
	}
}
