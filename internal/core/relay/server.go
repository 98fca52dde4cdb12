package relay

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("relay")

const (
	// handshakeTimeout bounds the hop and stop exchanges.
	handshakeTimeout = 30 * time.Second

	// maxCircuitsPerPeer caps concurrent circuits toward one reserved peer.
	maxCircuitsPerPeer = 8

	gcInterval = time.Minute
)

// ============================================================================
//                              Server
// ============================================================================

// Server relays circuits for peers that reserved a slot.
type Server struct {
	host    pkgif.Host
	cfg     config.RelayServerConfig
	clock   clock.Clock
	limiter *Limiter

	mu           sync.Mutex
	reservations map[types.PeerID]time.Time
	circuits     map[string]*circuit

	bytesRelayed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type circuit struct {
	id        string
	src, dest types.PeerID
	srcStream pkgif.Stream
	dstStream pkgif.Stream
	created   time.Time
	once      sync.Once
}

func (c *circuit) close() {
	c.once.Do(func() {
		_ = c.srcStream.Reset()
		_ = c.dstStream.Reset()
	})
}

// NewServer returns a relay server on host. A nil clk uses the wall clock.
func NewServer(host pkgif.Host, cfg config.RelayServerConfig, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		host:  host,
		cfg:   cfg,
		clock: clk,
		limiter: NewLimiter(LimiterConfig{
			MaxReservations:    cfg.MaxReservations,
			MaxCircuits:        cfg.MaxCircuits,
			MaxCircuitsPerPeer: maxCircuitsPerPeer,
			BytesPerSecond:     cfg.CircuitBytesPerSecond,
		}),
		reservations: make(map[types.PeerID]time.Time),
		circuits:     make(map[string]*circuit),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start registers the hop handler and the expiry loop.
func (s *Server) Start() {
	s.host.SetStreamHandler(protocolids.RelayHop, s.handleHop)
	s.wg.Add(1)
	go s.gcLoop()
	log.Info("relay server started",
		"maxReservations", s.cfg.MaxReservations,
		"maxCircuits", s.cfg.MaxCircuits)
}

// Stop unregisters the handler and tears down every circuit.
func (s *Server) Stop() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.host.RemoveStreamHandler(protocolids.RelayHop)
	s.cancel()

	s.mu.Lock()
	circuits := make([]*circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		circuits = append(circuits, c)
	}
	s.mu.Unlock()
	for _, c := range circuits {
		c.close()
	}
	s.wg.Wait()
	log.Info("relay server stopped")
	return nil
}

// ServerStats is a snapshot of the server.
type ServerStats struct {
	Reservations int
	Circuits     int
	BytesRelayed int64
}

// Stats returns the current counts.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		Reservations: len(s.reservations),
		Circuits:     len(s.circuits),
		BytesRelayed: s.bytesRelayed.Load(),
	}
}

// HasReservation reports whether peer holds a live reservation.
func (s *Server) HasReservation(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.reservations[peer]
	return ok && s.clock.Now().Before(exp)
}

func (s *Server) handleHop(stream pkgif.Stream, from types.PeerID) {
	if s.closed.Load() {
		_ = stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(stream)

	var msg HopMessage
	if err := readMsg(r, &msg); err != nil {
		log.Debug("bad hop message", "peer", from.ShortString(), "error", err)
		_ = writeMsg(stream, &HopMessage{Type: HopStatus, Status: statusFor(err)})
		_ = stream.Close()
		return
	}

	switch msg.Type {
	case HopReserve:
		s.handleReserve(stream, from)
	case HopConnect:
		s.handleConnect(stream, r, from, msg.Peer)
	default:
		_ = writeMsg(stream, &HopMessage{Type: HopStatus, Status: StatusUnexpectedMessage})
		_ = stream.Close()
	}
}

func (s *Server) handleReserve(stream pkgif.Stream, from types.PeerID) {
	defer stream.Close()

	if err := s.limiter.AllowReservation(from); err != nil {
		log.Debug("reservation refused", "peer", from.ShortString(), "error", err)
		_ = writeMsg(stream, &HopMessage{Type: HopStatus, Status: StatusReservationRefused})
		return
	}

	exp := s.clock.Now().Add(s.cfg.ReservationTTL.Duration()).UTC().Truncate(time.Millisecond)
	s.mu.Lock()
	s.reservations[from] = exp
	s.mu.Unlock()

	resp := &HopMessage{
		Type:          HopStatus,
		Status:        StatusOK,
		Expiration:    exp,
		Addrs:         s.circuitAddrs(from),
		LimitDuration: s.cfg.CircuitDuration.Duration(),
		LimitRate:     s.cfg.CircuitBytesPerSecond,
	}
	if err := writeMsg(stream, resp); err != nil {
		log.Debug("reservation reply failed", "peer", from.ShortString(), "error", err)
		return
	}
	log.Debug("reservation accepted", "peer", from.ShortString(), "expires", exp)
}

// circuitAddrs are the addresses through which peer becomes reachable.
func (s *Server) circuitAddrs(peer types.PeerID) []string {
	var out []string
	for _, a := range s.host.Addrs() {
		if addrutil.IsCircuit(a) {
			continue
		}
		full, err := addrutil.WithPeer(a, s.host.ID())
		if err != nil {
			continue
		}
		c, err := addrutil.Circuit(full, peer)
		if err != nil {
			continue
		}
		out = append(out, c.String())
	}
	return out
}

func (s *Server) handleConnect(src pkgif.Stream, srcReader *bufio.Reader, from, dest types.PeerID) {
	fail := func(st Status) {
		_ = writeMsg(src, &HopMessage{Type: HopStatus, Status: st})
		_ = src.Close()
	}

	if !s.HasReservation(dest) {
		log.Debug("connect to unreserved peer", "src", from.ShortString(), "dest", dest.ShortString())
		fail(StatusNoReservation)
		return
	}
	if err := s.limiter.AllowCircuit(dest); err != nil {
		fail(statusFor(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	dst, dstReader, err := s.openStop(ctx, from, dest)
	cancel()
	if err != nil {
		log.Debug("stop failed", "dest", dest.ShortString(), "error", err)
		s.limiter.ReleaseCircuit(dest)
		fail(statusFor(err))
		return
	}

	if err := writeMsg(src, &HopMessage{Type: HopStatus, Status: StatusOK}); err != nil {
		s.limiter.ReleaseCircuit(dest)
		_ = src.Reset()
		_ = dst.Reset()
		return
	}

	c := &circuit{
		id:        uuid.NewString(),
		src:       from,
		dest:      dest,
		srcStream: src,
		dstStream: dst,
		created:   s.clock.Now(),
	}
	s.mu.Lock()
	s.circuits[c.id] = c
	s.mu.Unlock()

	_ = src.SetDeadline(time.Time{})
	_ = dst.SetDeadline(time.Time{})
	log.Debug("circuit opened", "id", c.id, "src", from.ShortString(), "dest", dest.ShortString())

	s.wg.Add(1)
	go s.splice(c, srcReader, dstReader)
}

func (s *Server) openStop(ctx context.Context, src, dest types.PeerID) (pkgif.Stream, *bufio.Reader, error) {
	stream, err := s.host.NewStream(ctx, dest, protocolids.RelayStop)
	if err != nil {
		return nil, nil, ErrConnectFailed
	}
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeMsg(stream, &StopMessage{Type: StopConnect, Peer: src}); err != nil {
		_ = stream.Reset()
		return nil, nil, ErrConnectFailed
	}
	r := bufio.NewReader(stream)
	var resp StopMessage
	if err := readMsg(r, &resp); err != nil {
		_ = stream.Reset()
		return nil, nil, ErrConnectFailed
	}
	if resp.Type != StopStatus || resp.Status != StatusOK {
		_ = stream.Reset()
		return nil, nil, ErrPermissionDenied
	}
	return stream, r, nil
}

// splice copies both directions until either side ends, the circuit
// duration runs out, or the server stops.
func (s *Server) splice(c *circuit, srcReader, dstReader io.Reader) {
	defer s.wg.Done()

	ctx := s.ctx
	var cancel context.CancelFunc
	if d := s.cfg.CircuitDuration.Duration(); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst pkgif.Stream, src io.Reader) {
		defer wg.Done()
		w := &rateWriter{ctx: ctx, w: dst, lim: s.limiter.Bandwidth()}
		n, _ := io.CopyBuffer(w, src, make([]byte, copyBufferSize))
		s.bytesRelayed.Add(n)
		// Half-close so the far side sees EOF.
		_ = dst.Close()
	}
	go pipe(c.dstStream, srcReader)
	go pipe(c.srcStream, dstReader)
	wg.Wait()

	c.close()
	s.mu.Lock()
	delete(s.circuits, c.id)
	s.mu.Unlock()
	s.limiter.ReleaseCircuit(c.dest)
	log.Debug("circuit closed", "id", c.id, "age", s.clock.Since(c.created))
}

func (s *Server) gcLoop() {
	defer s.wg.Done()
	t := s.clock.Ticker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.expireReservations()
		}
	}
}

func (s *Server) expireReservations() {
	now := s.clock.Now()
	s.mu.Lock()
	var expired []types.PeerID
	for p, exp := range s.reservations {
		if !now.Before(exp) {
			delete(s.reservations, p)
			expired = append(expired, p)
		}
	}
	s.mu.Unlock()
	for _, p := range expired {
		s.limiter.ReleaseReservation(p)
		log.Debug("reservation expired", "peer", p.ShortString())
	}
}
