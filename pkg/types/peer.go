package types

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Profile is a peer's self-description.
type Profile struct {
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
	AvatarHash  string `json:"avatarHash,omitempty"`
}

// PeerRecord is everything the local node knows about another peer.
type PeerRecord struct {
	ID              PeerID    `json:"id"`
	Addrs           []string  `json:"addrs,omitempty"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	DisplayName     string    `json:"displayName,omitempty"`
	Bio             string    `json:"bio,omitempty"`
	AgreementKey    []byte    `json:"agreementKey,omitempty"`
	Contact         bool      `json:"contact"`
	Blocked         bool      `json:"blocked"`
	LastSeen        time.Time `json:"lastSeen"`
	AddedAt         time.Time `json:"addedAt"`
}

// Multiaddrs parses the stored addresses, skipping malformed ones.
func (r *PeerRecord) Multiaddrs() []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(r.Addrs))
	for _, s := range r.Addrs {
		if a, err := ma.NewMultiaddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// MergeAddrs adds addrs not already present.
func (r *PeerRecord) MergeAddrs(addrs []string) bool {
	changed := false
	for _, a := range addrs {
		found := false
		for _, have := range r.Addrs {
			if have == a {
				found = true
				break
			}
		}
		if !found {
			r.Addrs = append(r.Addrs, a)
			changed = true
		}
	}
	return changed
}

// PeerInfo is the live view of a peer returned by ListPeers.
type PeerInfo struct {
	ID          PeerID
	State       PeerState
	Addrs       []ma.Multiaddr
	Relayed     bool
	DisplayName string
	Contact     bool
	LastSeen    time.Time
}

// AddrInfo is a peer id with dialable addresses.
type AddrInfo struct {
	ID    PeerID
	Addrs []ma.Multiaddr
}
