package network

import (
	"github.com/benbjohnson/clock"

	"github.com/dep2p/harbor/internal/core/nat/holepunch"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// PeerStore persists peer records. *store.Store implements it.
type PeerStore interface {
	Peer(id types.PeerID) (*types.PeerRecord, error)
	UpdatePeer(id types.PeerID, fn func(rec *types.PeerRecord) bool) (*types.PeerRecord, error)
	DeletePeer(id types.PeerID) error
	Peers() ([]*types.PeerRecord, error)
}

// Option configures a Network.
type Option func(*Network)

// WithPeerStore persists discovered and identified peers.
func WithPeerStore(s PeerStore) Option {
	return func(n *Network) { n.peerStore = s }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(n *Network) { n.clock = c }
}

// WithMetrics reports measurements to m.
func WithMetrics(m Metrics) Option {
	return func(n *Network) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus pkgif.EventBus) Option {
	return func(n *Network) { n.bus = bus }
}

// WithUpgrader overrides the hole punching upgrader picked from the
// configuration.
func WithUpgrader(u holepunch.Upgrader) Option {
	return func(n *Network) { n.upgrader = u }
}

// WithTransports adds transports besides the relay client, which is always
// present.
func WithTransports(ts ...pkgif.Transport) Option {
	return func(n *Network) { n.extraTransports = append(n.extraTransports, ts...) }
}

// WithReserver replaces the relay client as the source of reservations.
func WithReserver(r Reserver) Option {
	return func(n *Network) { n.reserver = r }
}
