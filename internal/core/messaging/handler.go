package messaging

import (
	"fmt"
	"sort"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// Domain returns the message domain.
func (s *Service) Domain() types.Domain { return types.DomainMessage }

// Validate accepts messages the local peer wrote, and messages to the local
// peer from a sender it granted Chat.
func (s *Service) Validate(e *eventlog.Event) error {
	p, err := DecodePayload(e.Payload)
	if err != nil {
		return err
	}
	if p.Recipient == e.Origin {
		return fmt.Errorf("%w: message to self", types.ErrValidation)
	}
	me, err := s.keystore.Current()
	if err != nil {
		return err
	}
	switch me.PeerID() {
	case e.Origin:
		return nil
	case p.Recipient:
		if !s.caps.Authorize(e.Origin, types.CapabilityChat) {
			return fmt.Errorf("%w: %s may not chat", types.ErrUnauthorized, e.Origin.ShortString())
		}
		return nil
	default:
		return fmt.Errorf("%w: message between other peers", types.ErrUnauthorized)
	}
}

// Apply adds a message to its conversation in log order.
func (s *Service) Apply(e *eventlog.Event) {
	p, err := DecodePayload(e.Payload)
	if err != nil {
		log.Warn("dropping undecodable message event", "event", e.ShortID(), "error", err)
		return
	}
	me, err := s.keystore.Current()
	if err != nil {
		return
	}
	r := &record{eventID: e.ID, lamport: e.Lamport, from: e.Origin, to: p.Recipient, sentAt: e.CreatedAt, payload: p}
	peer := r.peer(me.PeerID())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMsgID[p.MessageID]; ok {
		return
	}
	recs := append(s.convs[peer], r)
	// The view is keyed by send time for paging; ties keep log order.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].sentAt.Before(recs[j].sentAt) })
	s.convs[peer] = recs
	s.byMsgID[p.MessageID] = r
}

// Reset clears the view before a rebuild.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[types.PeerID][]*record)
	s.byMsgID = make(map[string]*record)
}

// Recipients returns the addressee of a local message.
func (s *Service) Recipients(e *eventlog.Event) []types.PeerID {
	p, err := DecodePayload(e.Payload)
	if err != nil {
		return nil
	}
	return []types.PeerID{p.Recipient}
}

// Visible lets the two participants see a message. The author offers its
// own messages only while it holds the recipient's Chat grant.
func (s *Service) Visible(peer types.PeerID, e *eventlog.Event) bool {
	p, err := DecodePayload(e.Payload)
	if err != nil {
		return false
	}
	switch peer {
	case e.Origin:
		return true
	case p.Recipient:
		me, err := s.keystore.Current()
		if err != nil {
			return false
		}
		if e.Origin == me.PeerID() {
			return s.caps.HasGrantFrom(peer, types.CapabilityChat)
		}
		return true
	}
	return false
}

// Notify announces an incoming message with its decrypted body.
func (s *Service) Notify(e *eventlog.Event) {
	if s.received == nil {
		return
	}
	me, err := s.keystore.Current()
	if err != nil || e.Origin == me.PeerID() {
		return
	}
	p, err := DecodePayload(e.Payload)
	if err != nil {
		return
	}
	r := &record{from: e.Origin, to: p.Recipient, payload: p}
	body, err := s.decrypt(me, r)
	if err != nil {
		log.Warn("undecryptable message", "id", p.MessageID, "from", e.Origin.ShortString(), "error", err)
	}
	_ = s.received.Emit(types.EvtMessageReceived{MessageID: p.MessageID, From: e.Origin, Body: body, SentAt: e.CreatedAt})
}

// Wrap carries a message event as a DirectMessage, answered with an ack.
func (s *Service) Wrap(e *eventlog.Event) protocol.Message {
	return &protocol.DirectMessage{EventBody: protocol.EventBody{Event: e}}
}
