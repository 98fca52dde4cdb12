// Package calling carries WebRTC call negotiation between peers.
//
// Media never flows through harbor: the service only relays offers, answers,
// ICE candidates and hangups, and tracks each call through a small state
// machine. Offers are accepted only from peers the local peer granted Call.
package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/fx"

	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("calling")

const (
	// ringTimeout ends calls that are not answered.
	ringTimeout = 60 * time.Second
	// maxSDPSize bounds a session description.
	maxSDPSize = 64 << 10
	// endedRetention is how long ended calls stay listed.
	endedRetention = 10 * time.Minute
)

var (
	// ErrUnknownCall is returned for call ids the service does not track.
	ErrUnknownCall = errors.New("unknown call")
	// ErrInvalidState is returned when a signal does not fit the call state.
	ErrInvalidState = errors.New("invalid call state")
)

// State is the phase of a call.
type State int

const (
	// StateOutgoing an offer was sent and no answer arrived yet.
	StateOutgoing State = iota + 1
	// StateIncoming an offer arrived and was not answered yet.
	StateIncoming
	// StateActive both sides exchanged descriptions.
	StateActive
	// StateEnded the call was hung up or timed out.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Call is a snapshot of one call.
type Call struct {
	ID         string
	Peer       types.PeerID
	Outgoing   bool
	State      State
	RemoteSDP  string
	Candidates []string
	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	EndReason  string
}

// Capabilities answers Call questions.
type Capabilities interface {
	Authorize(subject types.PeerID, kind types.CapabilityKind) bool
	HasGrantFrom(issuer types.PeerID, kind types.CapabilityKind) bool
}

// Network carries signaling messages.
type Network interface {
	Handle(k protocol.Kind, h protocol.Handler) error
	Send(ctx context.Context, to types.PeerID, msg protocol.Message) error
}

// Service tracks calls and relays their signaling.
type Service struct {
	keystore *identity.Keystore
	caps     Capabilities
	clock    clock.Clock
	net      Network
	signals  pkgif.Emitter

	mu    sync.Mutex
	calls map[string]*Call
	timer map[string]*clock.Timer
}

// NewService returns a calling service. clk and bus may be nil.
func NewService(ks *identity.Keystore, caps Capabilities, clk clock.Clock, bus pkgif.EventBus) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{
		keystore: ks,
		caps:     caps,
		clock:    clk,
		calls:    make(map[string]*Call),
		timer:    make(map[string]*clock.Timer),
	}
	if bus != nil {
		var err error
		if s.signals, err = bus.Emitter(new(types.EvtCallSignal)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Module provides the calling service.
func Module() fx.Option {
	return fx.Module("calling",
		fx.Provide(func(ks *identity.Keystore, caps Capabilities, bus pkgif.EventBus, lc fx.Lifecycle) (*Service, error) {
			s, err := NewService(ks, caps, nil, bus)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.StopHook(s.Close))
			return s, nil
		}),
	)
}

// Attach registers the signaling handlers on net.
func (s *Service) Attach(net Network) error {
	s.net = net
	for _, k := range []protocol.Kind{
		protocol.KindSignalingOffer,
		protocol.KindSignalingAnswer,
		protocol.KindSignalingIce,
		protocol.KindSignalingHangup,
	} {
		if err := net.Handle(k, s.handleSignal); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the ring timers.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timer {
		t.Stop()
		delete(s.timer, id)
	}
	return nil
}

// ============================================================================
//                              Outgoing
// ============================================================================

// StartCall sends an offer to peer. The peer must have granted the local
// peer Call.
func (s *Service) StartCall(ctx context.Context, peer types.PeerID, offerSDP string) (*Call, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	if peer == me.PeerID() {
		return nil, fmt.Errorf("%w: call to self", types.ErrValidation)
	}
	if err := validateSDP(offerSDP, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}
	if !s.caps.HasGrantFrom(peer, types.CapabilityCall) {
		return nil, fmt.Errorf("%w: %s has not granted call", types.ErrUnauthorized, peer.ShortString())
	}
	c := &Call{ID: uuid.NewString(), Peer: peer, Outgoing: true, State: StateOutgoing, StartedAt: s.clock.Now()}
	s.mu.Lock()
	s.calls[c.ID] = c
	s.ring(c.ID)
	s.mu.Unlock()

	if err := s.send(ctx, peer, &protocol.SignalingOffer{Signal: protocol.Signal{CallID: c.ID, SDP: offerSDP}}); err != nil {
		s.end(c.ID, "unreachable")
		return nil, err
	}
	log.Info("call started", "call", c.ID, "peer", peer.ShortString())
	return s.Call(c.ID)
}

// AnswerCall accepts an incoming call.
func (s *Service) AnswerCall(ctx context.Context, callID, answerSDP string) (*Call, error) {
	if err := validateSDP(answerSDP, webrtc.SDPTypeAnswer); err != nil {
		return nil, err
	}
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if c.State != StateIncoming {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: answer in state %s", ErrInvalidState, c.State)
	}
	c.State, c.AnsweredAt = StateActive, s.clock.Now()
	s.stopRing(callID)
	peer := c.Peer
	s.mu.Unlock()

	if err := s.send(ctx, peer, &protocol.SignalingAnswer{Signal: protocol.Signal{CallID: callID, SDP: answerSDP}}); err != nil {
		s.end(callID, "unreachable")
		return nil, err
	}
	return s.Call(callID)
}

// SendIce forwards one local ICE candidate.
func (s *Service) SendIce(ctx context.Context, callID, candidate string) error {
	if err := validateCandidate(candidate); err != nil {
		return err
	}
	peer, err := s.live(callID)
	if err != nil {
		return err
	}
	return s.send(ctx, peer, &protocol.SignalingIce{Signal: protocol.Signal{CallID: callID, Candidate: candidate}})
}

// Hangup ends a call and tells the peer.
func (s *Service) Hangup(ctx context.Context, callID, reason string) error {
	peer, err := s.live(callID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "hangup"
	}
	s.end(callID, reason)
	return s.send(ctx, peer, &protocol.SignalingHangup{Signal: protocol.Signal{CallID: callID, Reason: reason}})
}

func (s *Service) send(ctx context.Context, to types.PeerID, msg protocol.Message) error {
	if s.net == nil {
		return fmt.Errorf("%w: calling not attached", types.ErrTransport)
	}
	return s.net.Send(ctx, to, msg)
}

// live returns the peer of a call that has not ended.
func (s *Service) live(callID string) (types.PeerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if c.State == StateEnded {
		return "", fmt.Errorf("%w: call ended", ErrInvalidState)
	}
	return c.Peer, nil
}

// ============================================================================
//                              Incoming
// ============================================================================

func (s *Service) handleSignal(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	var err error
	switch m := msg.(type) {
	case *protocol.SignalingOffer:
		err = s.onOffer(from, &m.Signal)
	case *protocol.SignalingAnswer:
		err = s.onAnswer(from, &m.Signal)
	case *protocol.SignalingIce:
		err = s.onIce(from, &m.Signal)
	case *protocol.SignalingHangup:
		err = s.onHangup(from, &m.Signal)
	default:
		err = fmt.Errorf("%w: unexpected %s", types.ErrValidation, msg.Kind())
	}
	if err != nil {
		log.Debug("signal dropped", "from", from.ShortString(), "kind", msg.Kind(), "error", err)
		return nil, err
	}
	s.emit(from, msg)
	return nil, nil
}

func (s *Service) onOffer(from types.PeerID, sig *protocol.Signal) error {
	if !s.caps.Authorize(from, types.CapabilityCall) {
		return fmt.Errorf("%w: %s may not call", types.ErrUnauthorized, from.ShortString())
	}
	if err := validateSDP(sig.SDP, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[sig.CallID]; ok {
		return fmt.Errorf("%w: duplicate offer", ErrInvalidState)
	}
	s.calls[sig.CallID] = &Call{
		ID:        sig.CallID,
		Peer:      from,
		State:     StateIncoming,
		RemoteSDP: sig.SDP,
		StartedAt: s.clock.Now(),
	}
	s.ring(sig.CallID)
	log.Info("incoming call", "call", sig.CallID, "from", from.ShortString())
	return nil
}

func (s *Service) onAnswer(from types.PeerID, sig *protocol.Signal) error {
	if err := validateSDP(sig.SDP, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.callFrom(from, sig.CallID)
	if err != nil {
		return err
	}
	if !c.Outgoing || c.State != StateOutgoing {
		return fmt.Errorf("%w: answer in state %s", ErrInvalidState, c.State)
	}
	c.State, c.RemoteSDP, c.AnsweredAt = StateActive, sig.SDP, s.clock.Now()
	s.stopRing(c.ID)
	return nil
}

func (s *Service) onIce(from types.PeerID, sig *protocol.Signal) error {
	if err := validateCandidate(sig.Candidate); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.callFrom(from, sig.CallID)
	if err != nil {
		return err
	}
	if c.State == StateEnded {
		return fmt.Errorf("%w: candidate after end", ErrInvalidState)
	}
	c.Candidates = append(c.Candidates, sig.Candidate)
	return nil
}

func (s *Service) onHangup(from types.PeerID, sig *protocol.Signal) error {
	s.mu.Lock()
	c, err := s.callFrom(from, sig.CallID)
	if err == nil && c.State == StateEnded {
		err = fmt.Errorf("%w: already ended", ErrInvalidState)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	reason := sig.Reason
	if reason == "" {
		reason = "remote hangup"
	}
	s.end(sig.CallID, reason)
	return nil
}

// callFrom returns a call with from as its peer. Callers hold s.mu.
func (s *Service) callFrom(from types.PeerID, id string) (*Call, error) {
	c, ok := s.calls[id]
	if !ok || c.Peer != from {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return c, nil
}

func (s *Service) emit(from types.PeerID, msg protocol.Message) {
	if s.signals == nil {
		return
	}
	var id string
	switch m := msg.(type) {
	case *protocol.SignalingOffer:
		id = m.CallID
	case *protocol.SignalingAnswer:
		id = m.CallID
	case *protocol.SignalingIce:
		id = m.CallID
	case *protocol.SignalingHangup:
		id = m.CallID
	}
	_ = s.signals.Emit(types.EvtCallSignal{CallID: id, From: from, Kind: msg.Kind().String()})
}

// ============================================================================
//                              State
// ============================================================================

// Call returns a snapshot of a call.
func (s *Service) Call(id string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return snapshot(c), nil
}

// Calls lists calls that have not ended or ended recently.
func (s *Service) Calls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]*Call, 0, len(s.calls))
	for id, c := range s.calls {
		if c.State == StateEnded && now.Sub(c.EndedAt) > endedRetention {
			delete(s.calls, id)
			continue
		}
		out = append(out, snapshot(c))
	}
	return out
}

func snapshot(c *Call) *Call {
	cp := *c
	cp.Candidates = append([]string(nil), c.Candidates...)
	return &cp
}

// ring arms the unanswered-call timer. Callers hold s.mu.
func (s *Service) ring(id string) {
	s.timer[id] = s.clock.AfterFunc(ringTimeout, func() { s.end(id, "timeout") })
}

// stopRing callers hold s.mu.
func (s *Service) stopRing(id string) {
	if t, ok := s.timer[id]; ok {
		t.Stop()
		delete(s.timer, id)
	}
}

func (s *Service) end(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok || c.State == StateEnded {
		return
	}
	s.stopRing(id)
	c.State, c.EndedAt, c.EndReason = StateEnded, s.clock.Now(), reason
	log.Info("call ended", "call", id, "peer", c.Peer.ShortString(), "reason", reason)
}

// ============================================================================
//                              Validation
// ============================================================================

func validateSDP(raw string, typ webrtc.SDPType) error {
	if raw == "" || len(raw) > maxSDPSize {
		return fmt.Errorf("%w: %s description of %d bytes", types.ErrValidation, typ, len(raw))
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: raw}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrValidation, typ, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: %s without media", types.ErrValidation, typ)
	}
	return nil
}

func validateCandidate(raw string) error {
	if raw == "" {
		// End of candidates.
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:")); err != nil {
		return fmt.Errorf("%w: candidate: %v", types.ErrValidation, err)
	}
	return nil
}
