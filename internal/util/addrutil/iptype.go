package addrutil

import (
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// AddressType classifies an address by reachability scope.
type AddressType int

const (
	AddrUnknown AddressType = iota
	AddrLoopback
	AddrPrivate
	AddrPublic
	AddrRelay
	AddrDNS
)

func (t AddressType) String() string {
	switch t {
	case AddrLoopback:
		return "loopback"
	case AddrPrivate:
		return "private"
	case AddrPublic:
		return "public"
	case AddrRelay:
		return "relay"
	case AddrDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// Classify returns the type of addr. Relay circuits win over the type of the
// relay's own address.
func Classify(addr ma.Multiaddr) AddressType {
	switch {
	case addr == nil:
		return AddrUnknown
	case IsCircuit(addr):
		return AddrRelay
	case isDNS(addr):
		return AddrDNS
	case manet.IsIPLoopback(addr):
		return AddrLoopback
	case manet.IsPrivateAddr(addr):
		return AddrPrivate
	case manet.IsPublicAddr(addr):
		return AddrPublic
	}
	return AddrUnknown
}

func isDNS(addr ma.Multiaddr) bool {
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		return true
	}
	return false
}

// FilterDialable drops addresses that are only useful on this host.
func FilterDialable(addrs []ma.Multiaddr, allowLoopback bool) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if !allowLoopback && Classify(a) == AddrLoopback {
			continue
		}
		if manet.IsIPUnspecified(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ExpandUnspecified replaces an unspecified listen address with one address
// per local interface.
func ExpandUnspecified(addr ma.Multiaddr) []ma.Multiaddr {
	if !manet.IsIPUnspecified(addr) {
		return []ma.Multiaddr{addr}
	}
	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return []ma.Multiaddr{addr}
	}
	out, err := manet.ResolveUnspecifiedAddress(addr, ifaces)
	if err != nil || len(out) == 0 {
		return []ma.Multiaddr{addr}
	}
	return out
}
