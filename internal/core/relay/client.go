package relay

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

var (
	_ pkgif.Transport     = (*Client)(nil)
	_ pkgif.ListenChecker = (*Client)(nil)
)

// circuitListenAddr is the listen address that enables inbound circuits.
var circuitListenAddr = ma.StringCast("/p2p-circuit")

// deliverTimeout bounds how long an accepted circuit waits for Accept.
const deliverTimeout = 10 * time.Second

// Reservation is a slot held on a relay.
type Reservation struct {
	Relay      types.PeerID
	Expiration time.Time
	// Addrs are the circuit addresses under which the local peer is
	// reachable through Relay.
	Addrs         []ma.Multiaddr
	LimitDuration time.Duration
	LimitRate     int64
}

// ============================================================================
//                              Client
// ============================================================================

// Client reserves slots on relays and is the transport for circuit
// addresses.
type Client struct {
	host   pkgif.Host
	signer protocol.Signer
	protos *transport.Protocols
	clock  clock.Clock

	mu           sync.Mutex
	reservations map[types.PeerID]*Reservation
	listener     *circuitListener
	closed       bool

	incoming chan pkgif.Conn
	closeCh  chan struct{}
}

// NewClient returns a relay client on host. Circuits negotiate protos on
// their streams. A nil clk uses the wall clock.
func NewClient(host pkgif.Host, signer protocol.Signer, protos *transport.Protocols, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		host:         host,
		signer:       signer,
		protos:       protos,
		clock:        clk,
		reservations: make(map[types.PeerID]*Reservation),
		incoming:     make(chan pkgif.Conn),
		closeCh:      make(chan struct{}),
	}
}

// Start registers the stop handler.
func (c *Client) Start() {
	c.host.SetStreamHandler(protocolids.RelayStop, c.handleStop)
}

// Reserve asks relay, which must already be connected, for a slot.
func (c *Client) Reserve(ctx context.Context, relay types.PeerID) (*Reservation, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	s, err := c.host.NewStream(ctx, relay, protocolids.RelayHop)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	r := bufio.NewReader(s)
	var resp HopMessage
	err = transport.WithContext(ctx, s, func() error {
		if err := writeMsg(s, &HopMessage{Type: HopReserve}); err != nil {
			return err
		}
		return readMsg(r, &resp)
	})
	if err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("%w: reserve: %v", types.ErrTransport, err)
	}
	if resp.Type != HopStatus {
		return nil, ErrUnexpectedMessage
	}
	if err := resp.Status.Err(); err != nil {
		return nil, err
	}

	local := c.signer.PeerID()
	res := &Reservation{
		Relay:         relay,
		Expiration:    resp.Expiration,
		LimitDuration: resp.LimitDuration,
		LimitRate:     resp.LimitRate,
	}
	for _, s := range resp.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		_, via, target, err := addrutil.SplitCircuit(a)
		if err != nil || via != relay || target != local {
			continue
		}
		res.Addrs = append(res.Addrs, a)
	}

	c.mu.Lock()
	c.reservations[relay] = res
	c.mu.Unlock()
	log.Debug("reserved slot", "relay", relay.ShortString(), "expires", res.Expiration, "addrs", len(res.Addrs))
	return res, nil
}

// Reservation returns the live reservation on relay.
func (c *Client) Reservation(relay types.PeerID) (*Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[relay]
	if !ok || !c.clock.Now().Before(res.Expiration) {
		return nil, false
	}
	return res, true
}

// Forget drops the reservation on relay, for example after the relay
// disconnected.
func (c *Client) Forget(relay types.PeerID) {
	c.mu.Lock()
	delete(c.reservations, relay)
	c.mu.Unlock()
}

// Addrs returns the circuit addresses of every live reservation.
func (c *Client) Addrs() []ma.Multiaddr {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ma.Multiaddr
	for _, res := range c.reservations {
		if now.Before(res.Expiration) {
			out = append(out, res.Addrs...)
		}
	}
	return out
}

// ============================================================================
//                              Transport
// ============================================================================

// CanDial accepts /.../p2p/<relay>/p2p-circuit/p2p/<target>.
func (c *Client) CanDial(addr ma.Multiaddr) bool {
	_, _, _, err := addrutil.SplitCircuit(addr)
	return err == nil
}

// CanListen accepts the bare /p2p-circuit address.
func (c *Client) CanListen(addr ma.Multiaddr) bool {
	return addr != nil && addr.Equal(circuitListenAddr)
}

// Dial opens a circuit to the target of addr.
func (c *Client) Dial(ctx context.Context, addr ma.Multiaddr, peer types.PeerID) (pkgif.Conn, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	relayAddr, relay, target, err := addrutil.SplitCircuit(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidAddress, err)
	}
	if !peer.IsEmpty() && peer != target {
		return nil, transport.ErrPeerIDMismatch
	}
	local := c.signer.PeerID()
	if target == local || relay == local {
		return nil, fmt.Errorf("%w: circuit through or to self", transport.ErrInvalidAddress)
	}

	info := types.AddrInfo{ID: relay}
	if base := addrutil.StripPeer(relayAddr); len(base.Protocols()) > 0 {
		info.Addrs = []ma.Multiaddr{base}
	}
	if err := c.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", relay.ShortString(), err)
	}

	s, err := c.host.NewStream(ctx, relay, protocolids.RelayHop)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(s)
	err = transport.WithContext(ctx, s, func() error {
		if err := writeMsg(s, &HopMessage{Type: HopConnect, Peer: target}); err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
		var resp HopMessage
		if err := readMsg(r, &resp); err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
		if resp.Type != HopStatus {
			return ErrUnexpectedMessage
		}
		if err := resp.Status.Err(); err != nil {
			return err
		}
		return handshakeInitiator(s, r, c.signer, target)
	})
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	_ = s.SetDeadline(time.Time{})

	conn, err := transport.NewMuxedConn(&bufferedStream{ReadWriteCloser: s, r: r}, false, transport.MuxedParams{
		Local:      local,
		Remote:     target,
		LocalAddr:  circuitListenAddr,
		RemoteAddr: addr,
		Relayed:    true,
		Protocols:  c.protos,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("circuit dialed", "relay", relay.ShortString(), "target", target.ShortString())
	return conn, nil
}

// Listen starts accepting inbound circuits. Only one listener may be open.
func (c *Client) Listen(addr ma.Multiaddr) (pkgif.Listener, error) {
	if !c.CanListen(addr) {
		return nil, fmt.Errorf("%w: %s", transport.ErrInvalidAddress, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.listener != nil {
		return nil, fmt.Errorf("%w: circuit listener already open", types.ErrTransport)
	}
	c.listener = &circuitListener{client: c, done: make(chan struct{})}
	return c.listener, nil
}

// Close stops accepting circuits. Established circuits are owned by the
// network and closed there.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reservations = make(map[types.PeerID]*Reservation)
	c.mu.Unlock()

	c.host.RemoveStreamHandler(protocolids.RelayStop)
	close(c.closeCh)
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// accepting reports whether circuits via relay should be taken.
func (c *Client) accepting(relay types.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.listener == nil {
		return false
	}
	res, ok := c.reservations[relay]
	return ok && c.clock.Now().Before(res.Expiration)
}

func (c *Client) handleStop(s pkgif.Stream, relay types.PeerID) {
	_ = s.SetDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(s)

	var msg StopMessage
	if err := readMsg(r, &msg); err != nil {
		_ = writeMsg(s, &StopMessage{Type: StopStatus, Status: statusFor(err)})
		_ = s.Close()
		return
	}
	if msg.Type != StopConnect {
		_ = writeMsg(s, &StopMessage{Type: StopStatus, Status: StatusUnexpectedMessage})
		_ = s.Close()
		return
	}
	if !c.accepting(relay) {
		log.Debug("circuit refused", "relay", relay.ShortString(), "src", msg.Peer.ShortString())
		_ = writeMsg(s, &StopMessage{Type: StopStatus, Status: StatusPermissionDenied})
		_ = s.Close()
		return
	}
	if err := writeMsg(s, &StopMessage{Type: StopStatus, Status: StatusOK}); err != nil {
		_ = s.Reset()
		return
	}
	if err := handshakeResponder(s, r, c.signer, msg.Peer); err != nil {
		log.Debug("circuit handshake failed", "src", msg.Peer.ShortString(), "error", err)
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})

	remote, err := ma.NewMultiaddr(fmt.Sprintf("/p2p/%s/p2p-circuit/p2p/%s", relay, msg.Peer))
	if err != nil {
		_ = s.Reset()
		return
	}
	conn, err := transport.NewMuxedConn(&bufferedStream{ReadWriteCloser: s, r: r}, true, transport.MuxedParams{
		Local:      c.signer.PeerID(),
		Remote:     msg.Peer,
		LocalAddr:  circuitListenAddr,
		RemoteAddr: remote,
		Relayed:    true,
		Protocols:  c.protos,
	})
	if err != nil {
		return
	}

	t := c.clock.Timer(deliverTimeout)
	defer t.Stop()
	select {
	case c.incoming <- conn:
		log.Debug("circuit accepted", "relay", relay.ShortString(), "src", msg.Peer.ShortString())
	case <-c.closeCh:
		_ = conn.Close()
	case <-t.C:
		log.Debug("circuit dropped, nobody accepting", "src", msg.Peer.ShortString())
		_ = conn.Close()
	}
}

type circuitListener struct {
	client *Client
	once   sync.Once
	done   chan struct{}
}

func (l *circuitListener) Accept(ctx context.Context) (pkgif.Conn, error) {
	select {
	case conn := <-l.client.incoming:
		return conn, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-l.client.closeCh:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *circuitListener) Addr() ma.Multiaddr { return circuitListenAddr }

func (l *circuitListener) Close() error {
	l.once.Do(func() {
		l.client.mu.Lock()
		if l.client.listener == l {
			l.client.listener = nil
		}
		l.client.mu.Unlock()
		close(l.done)
	})
	return nil
}

// CircuitAddrFor builds the circuit address of target through relay, using
// the first of relay's addresses.
func CircuitAddrFor(relay types.AddrInfo, target types.PeerID) (ma.Multiaddr, error) {
	if len(relay.Addrs) == 0 {
		return nil, fmt.Errorf("%w: relay has no addresses", transport.ErrInvalidAddress)
	}
	full, err := addrutil.WithPeer(relay.Addrs[0], relay.ID)
	if err != nil {
		return nil, err
	}
	return addrutil.Circuit(full, target)
}
