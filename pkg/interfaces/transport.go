package interfaces

import (
	"context"
	"io"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/pkg/types"
)

// Stream is one bidirectional stream of a connection, already negotiated
// to a protocol.
type Stream interface {
	io.ReadWriteCloser
	Protocol() string
	SetDeadline(t time.Time) error
	// Reset aborts the stream in both directions.
	Reset() error
}

// Conn is an authenticated connection to one peer.
type Conn interface {
	LocalPeer() types.PeerID
	RemotePeer() types.PeerID
	LocalAddr() ma.Multiaddr
	RemoteAddr() ma.Multiaddr
	// Relayed reports whether traffic goes through a relay circuit.
	Relayed() bool

	// OpenStream opens a stream and negotiates protocol on it.
	OpenStream(ctx context.Context, protocol string) (Stream, error)
	// AcceptStream waits for the next inbound stream that negotiated one of
	// the protocols registered with the transport.
	AcceptStream(ctx context.Context) (Stream, error)

	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() ma.Multiaddr
	Close() error
}

// Transport dials and listens on one kind of address.
type Transport interface {
	// Dial connects to peer at addr. The remote identity is verified against
	// peer during the handshake.
	Dial(ctx context.Context, addr ma.Multiaddr, peer types.PeerID) (Conn, error)
	CanDial(addr ma.Multiaddr) bool
	Listen(addr ma.Multiaddr) (Listener, error)
	Close() error
}

// ListenChecker is implemented by transports whose listen addresses differ
// from the ones they dial, such as relay circuits.
type ListenChecker interface {
	CanListen(addr ma.Multiaddr) bool
}

// StreamHandler serves an inbound stream. The handler owns s and must close
// or reset it.
type StreamHandler func(s Stream, from types.PeerID)

// Host is the part of the network service other protocols build on.
type Host interface {
	ID() types.PeerID
	// Connect dials info unless a connection already exists.
	Connect(ctx context.Context, info types.AddrInfo) error
	// NewStream opens a stream to a connected peer.
	NewStream(ctx context.Context, peer types.PeerID, protocol string) (Stream, error)
	SetStreamHandler(protocol string, h StreamHandler)
	RemoveStreamHandler(protocol string)
	Addrs() []ma.Multiaddr
}

// PeerRouting finds addresses of a peer.
type PeerRouting interface {
	FindPeer(ctx context.Context, id types.PeerID) (types.AddrInfo, error)
}
