package types

import "fmt"

// ============================================================================
//                              CapabilityKind
// ============================================================================

// CapabilityKind is the kind of access a grant confers.
type CapabilityKind uint8

const (
	// CapabilityChat allows direct messages.
	CapabilityChat CapabilityKind = iota + 1
	// CapabilityWallRead allows reading the issuer's posts.
	CapabilityWallRead
	// CapabilityCall allows call signaling.
	CapabilityCall
)

// AllCapabilities lists every kind, in declaration order.
var AllCapabilities = []CapabilityKind{CapabilityChat, CapabilityWallRead, CapabilityCall}

func (k CapabilityKind) String() string {
	switch k {
	case CapabilityChat:
		return "chat"
	case CapabilityWallRead:
		return "wall_read"
	case CapabilityCall:
		return "call"
	default:
		return fmt.Sprintf("capability(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k CapabilityKind) Valid() bool {
	return k >= CapabilityChat && k <= CapabilityCall
}

// ParseCapabilityKind parses the String form.
func ParseCapabilityKind(s string) (CapabilityKind, error) {
	for _, k := range AllCapabilities {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown capability %q", ErrValidation, s)
}

// ============================================================================
//                              Domain
// ============================================================================

// Domain partitions the event log.
type Domain string

const (
	// DomainPermission holds grants and revocations.
	DomainPermission Domain = "permission"
	// DomainMessage holds direct messages and their status changes.
	DomainMessage Domain = "message"
	// DomainPost holds wall posts.
	DomainPost Domain = "post"
)

// AllDomains lists every domain.
var AllDomains = []Domain{DomainPermission, DomainMessage, DomainPost}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainPermission, DomainMessage, DomainPost:
		return true
	}
	return false
}

// ============================================================================
//                              PeerState
// ============================================================================

// PeerState is the connection state of a known peer.
type PeerState uint8

const (
	PeerDiscovered PeerState = iota
	PeerDialing
	PeerConnected // connected, Identify not yet complete
	PeerIdentified
	PeerRelayReservationPending
	PeerRelayReserved
	PeerDisconnected
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerDialing:
		return "dialing"
	case PeerConnected:
		return "connected"
	case PeerIdentified:
		return "identified"
	case PeerRelayReservationPending:
		return "relay_reservation_pending"
	case PeerRelayReserved:
		return "relay_reserved"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsIdentified reports whether application requests may be sent.
func (s PeerState) IsIdentified() bool {
	return s == PeerIdentified || s == PeerRelayReservationPending || s == PeerRelayReserved
}

// IsConnected reports whether a live connection exists.
func (s PeerState) IsConnected() bool {
	return s == PeerConnected || s.IsIdentified()
}

// IsTerminal reports whether the state ends the peer's current session.
func (s PeerState) IsTerminal() bool {
	return s == PeerDisconnected || s == PeerFailed
}
