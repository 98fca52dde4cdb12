// Package addrutil handles full peer addresses.
//
// A full address ends in /p2p/<PeerID>:
//
//	/ip4/<ip>/udp/<port>/quic-v1/p2p/<PeerID>
//
// and a relay circuit address names the relay and then the target:
//
//	/ip4/<relay-ip>/udp/<port>/quic-v1/p2p/<RelayID>/p2p-circuit/p2p/<TargetID>
package addrutil

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/pkg/types"
)

// ============================================================================
//                              Errors
// ============================================================================

var (
	// ErrMissingPeerID the address has no trailing /p2p/<PeerID>.
	ErrMissingPeerID = errors.New("missing /p2p/<PeerID> suffix")

	// ErrPeerMismatch the address names a different peer.
	ErrPeerMismatch = errors.New("address belongs to another peer")

	// ErrNotCircuit the address is not a relay circuit address.
	ErrNotCircuit = errors.New("not a relay circuit address")
)

// ============================================================================
//                              Full addresses
// ============================================================================

// SplitPeer splits a full address into its dialable part and the peer id of
// the final /p2p/ component. For a circuit address the dialable part keeps
// the relay and the /p2p-circuit marker.
func SplitPeer(addr ma.Multiaddr) (ma.Multiaddr, types.PeerID, error) {
	if addr == nil {
		return nil, types.EmptyPeerID, ErrMissingPeerID
	}
	rest, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return nil, types.EmptyPeerID, ErrMissingPeerID
	}
	id, err := types.ParsePeerID(last.Value())
	if err != nil {
		return nil, types.EmptyPeerID, err
	}
	return rest, id, nil
}

// PeerOf returns the peer id named by addr, or the empty id when there is none.
func PeerOf(addr ma.Multiaddr) types.PeerID {
	_, id, err := SplitPeer(addr)
	if err != nil {
		return types.EmptyPeerID
	}
	return id
}

// WithPeer appends /p2p/<id> to addr. An address that already ends in a
// peer component is returned unchanged if it names id.
func WithPeer(addr ma.Multiaddr, id types.PeerID) (ma.Multiaddr, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil address", types.ErrValidation)
	}
	if _, have, err := SplitPeer(addr); err == nil {
		if have != id {
			return nil, ErrPeerMismatch
		}
		return addr, nil
	}
	p2p, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidPeerID, err)
	}
	return addr.Encapsulate(p2p), nil
}

// StripPeer removes a trailing /p2p/ component if present.
func StripPeer(addr ma.Multiaddr) ma.Multiaddr {
	rest, _, err := SplitPeer(addr)
	if err != nil {
		return addr
	}
	return rest
}

// ============================================================================
//                              Relay circuits
// ============================================================================

// IsCircuit reports whether addr goes through a relay.
func IsCircuit(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// Circuit builds the address under which target is reachable through the
// relay at relayAddr. relayAddr must name the relay with /p2p/.
func Circuit(relayAddr ma.Multiaddr, target types.PeerID) (ma.Multiaddr, error) {
	if _, _, err := SplitPeer(relayAddr); err != nil {
		return nil, err
	}
	circuit, err := ma.NewComponent("p2p-circuit", "")
	if err != nil {
		return nil, err
	}
	return WithPeer(relayAddr.Encapsulate(circuit), target)
}

// SplitCircuit splits a circuit address into the relay's full address and
// the target peer id.
func SplitCircuit(addr ma.Multiaddr) (relayAddr ma.Multiaddr, relay, target types.PeerID, err error) {
	if !IsCircuit(addr) {
		return nil, "", "", ErrNotCircuit
	}
	relayPart, after := ma.SplitFunc(addr, func(c ma.Component) bool {
		return c.Protocol().Code == ma.P_CIRCUIT
	})
	if relayPart == nil {
		return nil, "", "", ErrNotCircuit
	}
	if _, relay, err = SplitPeer(relayPart); err != nil {
		return nil, "", "", fmt.Errorf("%w: relay: %v", ErrNotCircuit, err)
	}
	if _, target, err = SplitPeer(after); err != nil {
		return nil, "", "", fmt.Errorf("%w: target: %v", ErrNotCircuit, err)
	}
	return relayPart, relay, target, nil
}
