package types

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              Peer lifecycle
// ============================================================================

// EvtPeerDiscovered a peer was found by a discovery source.
type EvtPeerDiscovered struct {
	Peer   PeerID
	Addrs  []ma.Multiaddr
	Source string
}

// EvtPeerConnected a transport connection was established.
type EvtPeerConnected struct {
	Peer    PeerID
	Relayed bool
}

// EvtPeerIdentified Identify completed for a peer.
type EvtPeerIdentified struct {
	Peer            PeerID
	ProtocolVersion string
	ListenAddrs     []ma.Multiaddr
}

// EvtPeerDisconnected the connection to a peer ended.
type EvtPeerDisconnected struct {
	Peer   PeerID
	Reason string
}

// EvtPeerExpired a peer was pruned after prolonged unreachability.
type EvtPeerExpired struct {
	Peer     PeerID
	LastSeen time.Time
}

// EvtPeerStateChanged a peer moved between states.
type EvtPeerStateChanged struct {
	Peer PeerID
	From PeerState
	To   PeerState
}

// EvtRelayReserved a relay accepted our reservation.
type EvtRelayReserved struct {
	Relay      PeerID
	Addrs      []ma.Multiaddr
	Expiration time.Time
}

// EvtListenAddrsUpdated the set of reachable addresses changed.
type EvtListenAddrsUpdated struct {
	Addrs []ma.Multiaddr
}

// ============================================================================
//                              Application
// ============================================================================

// EvtEventApplied an event was accepted into a domain log.
type EvtEventApplied struct {
	Domain  Domain
	EventID string
	Origin  PeerID
	Lamport uint64
	Local   bool
}

// EvtMessageReceived a direct message arrived.
type EvtMessageReceived struct {
	MessageID string
	From      PeerID
	Body      string
	SentAt    time.Time
}

// EvtMessageStatus a sent message was delivered or read.
type EvtMessageStatus struct {
	MessageID string
	Peer      PeerID
	Status    string
}

// EvtPermissionRequested a peer asked for a capability.
type EvtPermissionRequested struct {
	From    PeerID
	Kind    CapabilityKind
	Message string
}

// EvtPermissionChanged a grant or revoke involving the local peer was applied.
type EvtPermissionChanged struct {
	Issuer  PeerID
	Subject PeerID
	Kind    CapabilityKind
	Granted bool
}

// EvtPostReceived a post from another peer was applied.
type EvtPostReceived struct {
	PostID string
	Author PeerID
}

// EvtCallSignal a call signaling message arrived.
type EvtCallSignal struct {
	CallID string
	From   PeerID
	Kind   string
}
