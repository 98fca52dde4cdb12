package quic

import (
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
)

var quicV1 = ma.StringCast("/quic-v1")

// IsQUICAddr reports whether addr is a direct QUIC address, optionally
// followed by /p2p/.
func IsQUICAddr(addr ma.Multiaddr) bool {
	if addr == nil || addrutil.IsCircuit(addr) {
		return false
	}
	_, err := ToUDPAddr(addr)
	return err == nil
}

// ToUDPAddr converts /ip{4,6}/<ip>/udp/<port>/quic-v1[/p2p/<id>] to a UDP
// address.
func ToUDPAddr(addr ma.Multiaddr) (*net.UDPAddr, error) {
	base := addrutil.StripPeer(addr)
	rest, last := ma.SplitLast(base)
	if last == nil || last.Protocol().Code != ma.P_QUIC_V1 || rest == nil {
		return nil, fmt.Errorf("%w: not a quic-v1 address: %s", transport.ErrInvalidAddress, addr)
	}
	na, err := manet.ToNetAddr(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidAddress, err)
	}
	udp, ok := na.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: not a UDP address: %s", transport.ErrInvalidAddress, addr)
	}
	return udp, nil
}

// FromNetAddr converts a UDP socket address to its QUIC multiaddr.
func FromNetAddr(na net.Addr) (ma.Multiaddr, error) {
	udp, err := manet.FromNetAddr(na)
	if err != nil {
		return nil, err
	}
	return udp.Encapsulate(quicV1), nil
}
