// Package messaging implements encrypted one-to-one messages on top of the
// message domain of the sync engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/fx"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/core/syncengine"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("messaging")

// StatusSent is the status of an outgoing message no ack has arrived for.
const StatusSent = "sent"

// StatusReceived is the status of an incoming message not yet read.
const StatusReceived = "received"

const (
	// maxBodySize bounds the plaintext of one message.
	maxBodySize = 64 << 10
	keyCacheSize = 256
)

// ErrEmptyMessage is returned for a message without content.
var ErrEmptyMessage = fmt.Errorf("%w: empty message", types.ErrValidation)

// Engine is the part of the sync engine messaging writes through.
type Engine interface {
	AppendLocalEvent(ctx context.Context, d types.Domain, payload []byte) (*eventlog.Event, error)
	ApplyRemoteEvent(e *eventlog.Event) syncengine.Result
}

// Capabilities answers chat permission questions.
type Capabilities interface {
	// Authorize reports whether the local peer lets subject do kind.
	Authorize(subject types.PeerID, kind types.CapabilityKind) bool
	// HasGrantFrom reports whether issuer lets the local peer do kind.
	HasGrantFrom(issuer types.PeerID, kind types.CapabilityKind) bool
}

// Store keeps read markers and delivery status.
type Store interface {
	ReadMarker(peer types.PeerID) (time.Time, error)
	SetReadMarker(peer types.PeerID, t time.Time) error
	Status(id string) (store.MessageStatus, error)
	SetStatus(id string, st store.MessageStatus) error
}

// Network carries direct messages and acks.
type Network interface {
	Handle(k protocol.Kind, h protocol.Handler) error
	Send(ctx context.Context, to types.PeerID, msg protocol.Message) error
	IsIdentified(id types.PeerID) bool
}

// Message is a decrypted message of a conversation.
type Message struct {
	ID             string
	EventID        string
	ConversationID string
	From           types.PeerID
	To             types.PeerID
	Body           string
	ContentType    string
	ReplyTo        string
	SentAt         time.Time
	Lamport        uint64
	Outgoing       bool
	Status         string
	DeliveredAt    time.Time
	ReadAt         time.Time
}

// Conversation summarizes the messages exchanged with one peer.
type Conversation struct {
	ID            string
	Peer          types.PeerID
	LastMessageAt time.Time
	Count         int
	Unread        int
}

// ConversationID names the conversation between a and b, whoever asks.
func ConversationID(a, b types.PeerID) string {
	return crypto.HashContent(crypto.ConversationContext(a, b)).String()[:32]
}

// record is one applied message event.
type record struct {
	eventID string
	lamport uint64
	from    types.PeerID
	to      types.PeerID
	sentAt  time.Time
	payload *Payload
}

func (r *record) peer(me types.PeerID) types.PeerID {
	if r.from == me {
		return r.to
	}
	return r.from
}

// Service is the message-domain handler and the messaging API.
type Service struct {
	keystore *identity.Keystore
	engine   Engine
	caps     Capabilities
	store    Store
	clock    clock.Clock
	net      Network

	received pkgif.Emitter
	status   pkgif.Emitter

	keys *lru.Cache[string, []byte]

	mu      sync.RWMutex
	convs   map[types.PeerID][]*record
	byMsgID map[string]*record
}

// NewService returns a messaging service. clk and bus may be nil.
func NewService(ks *identity.Keystore, engine Engine, caps Capabilities, st Store, clk clock.Clock, bus pkgif.EventBus) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	keys, err := lru.New[string, []byte](keyCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		keystore: ks,
		engine:   engine,
		caps:     caps,
		store:    st,
		clock:    clk,
		keys:     keys,
		convs:    make(map[types.PeerID][]*record),
		byMsgID:  make(map[string]*record),
	}
	if bus != nil {
		if s.received, err = bus.Emitter(new(types.EvtMessageReceived)); err != nil {
			return nil, err
		}
		if s.status, err = bus.Emitter(new(types.EvtMessageStatus)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Module provides the messaging service.
func Module() fx.Option {
	return fx.Module("messaging",
		fx.Provide(func(ks *identity.Keystore, e Engine, c Capabilities, st Store, bus pkgif.EventBus) (*Service, error) {
			return NewService(ks, e, c, st, nil, bus)
		}),
	)
}

// Attach registers the direct-message and ack handlers on net.
func (s *Service) Attach(net Network) error {
	s.net = net
	if err := net.Handle(protocol.KindDirectMessage, s.handleDirectMessage); err != nil {
		return err
	}
	return net.Handle(protocol.KindMessageAck, s.handleAck)
}

// key returns the conversation key between the local peer and remote.
func (s *Service) key(me *identity.Identity, remote types.PeerID) ([]byte, error) {
	ck := string(me.PeerID()) + "|" + string(remote)
	if k, ok := s.keys.Get(ck); ok {
		return k, nil
	}
	k, err := me.ConversationKey(remote)
	if err != nil {
		return nil, err
	}
	s.keys.Add(ck, k)
	return k, nil
}

// ============================================================================
//                              Sending
// ============================================================================

// Send encrypts body for to and appends it to the message log. Delivery is
// queued and retried while to is unreachable; whether to accepts the
// message is reported later through EvtMessageStatus.
func (s *Service) Send(ctx context.Context, to types.PeerID, body, contentType, replyTo string) (*Message, error) {
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: message of %d bytes", types.ErrValidation, len(body))
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	if to == me.PeerID() {
		return nil, fmt.Errorf("%w: cannot message self", types.ErrValidation)
	}
	if contentType == "" {
		contentType = "text"
	}
	if !s.caps.HasGrantFrom(to, types.CapabilityChat) {
		log.Debug("sending without a known chat grant", "to", to.ShortString())
	}

	key, err := s.key(me, to)
	if err != nil {
		return nil, err
	}
	p := &Payload{MessageID: uuid.NewString(), Recipient: to, ContentType: contentType, ReplyTo: replyTo}
	if p.Ciphertext, err = crypto.Encrypt(key, []byte(body), []byte(p.MessageID)); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(p.MessageID, store.MessageStatus{Status: StatusSent}); err != nil {
		return nil, err
	}
	e, err := s.engine.AppendLocalEvent(ctx, types.DomainMessage, p.Marshal())
	if err != nil {
		return nil, err
	}
	log.Debug("message queued", "id", p.MessageID, "to", to.ShortString(), "lamport", e.Lamport)
	return &Message{
		ID:             p.MessageID,
		EventID:        e.ID,
		ConversationID: ConversationID(me.PeerID(), to),
		From:           me.PeerID(),
		To:             to,
		Body:           body,
		ContentType:    contentType,
		ReplyTo:        replyTo,
		SentAt:         e.CreatedAt,
		Lamport:        e.Lamport,
		Outgoing:       true,
		Status:         StatusSent,
	}, nil
}

// ============================================================================
//                              Reading
// ============================================================================

// Conversation returns up to limit messages with peer sent before before
// (zero means now), oldest first.
func (s *Service) Conversation(peer types.PeerID, limit int, before time.Time) ([]*Message, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	marker, err := s.store.ReadMarker(peer)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	recs := s.convs[peer]
	end := len(recs)
	if !before.IsZero() {
		end = sort.Search(len(recs), func(i int) bool { return !recs[i].sentAt.Before(before) })
	}
	start := 0
	if limit > 0 && end > limit {
		start = end - limit
	}
	window := append([]*record(nil), recs[start:end]...)
	s.mu.RUnlock()

	out := make([]*Message, 0, len(window))
	for _, r := range window {
		out = append(out, s.message(me, r, marker))
	}
	return out, nil
}

func (s *Service) message(me *identity.Identity, r *record, marker time.Time) *Message {
	m := &Message{
		ID:             r.payload.MessageID,
		EventID:        r.eventID,
		ConversationID: ConversationID(r.from, r.to),
		From:           r.from,
		To:             r.to,
		ContentType:    r.payload.ContentType,
		ReplyTo:        r.payload.ReplyTo,
		SentAt:         r.sentAt,
		Lamport:        r.lamport,
		Outgoing:       r.from == me.PeerID(),
	}
	if body, err := s.decrypt(me, r); err == nil {
		m.Body = body
	} else {
		log.Warn("undecryptable message", "id", m.ID, "from", r.from.ShortString(), "error", err)
	}
	if m.Outgoing {
		st, err := s.store.Status(m.ID)
		if err != nil || st.Status == "" {
			st.Status = StatusSent
		}
		m.Status, m.DeliveredAt, m.ReadAt = st.Status, st.DeliveredAt, st.ReadAt
		return m
	}
	m.Status = StatusReceived
	if !r.sentAt.After(marker) {
		m.Status = protocol.StatusRead
		m.ReadAt = marker
	}
	return m
}

func (s *Service) decrypt(me *identity.Identity, r *record) (string, error) {
	key, err := s.key(me, r.peer(me.PeerID()))
	if err != nil {
		return "", err
	}
	pt, err := crypto.Decrypt(key, r.payload.Ciphertext, []byte(r.payload.MessageID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDecrypt, err)
	}
	return string(pt), nil
}

// Conversations lists every conversation, most recent first.
func (s *Service) Conversations() ([]*Conversation, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	peers := make([]types.PeerID, 0, len(s.convs))
	for p := range s.convs {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	out := make([]*Conversation, 0, len(peers))
	for _, p := range peers {
		c, err := s.summary(me.PeerID(), p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *Service) summary(me, peer types.PeerID) (*Conversation, error) {
	marker, err := s.store.ReadMarker(peer)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.convs[peer]
	c := &Conversation{ID: ConversationID(me, peer), Peer: peer, Count: len(recs)}
	for _, r := range recs {
		if r.sentAt.After(c.LastMessageAt) {
			c.LastMessageAt = r.sentAt
		}
		if r.from == peer && r.sentAt.After(marker) {
			c.Unread++
		}
	}
	return c, nil
}

// UnreadCount returns the unread messages over all conversations.
func (s *Service) UnreadCount() (int, error) {
	convs, err := s.Conversations()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range convs {
		total += c.Unread
	}
	return total, nil
}

// MarkRead marks the conversation with peer read up to now and tells peer
// which of its messages were read. It returns how many messages changed.
func (s *Service) MarkRead(ctx context.Context, peer types.PeerID) (int, error) {
	marker, err := s.store.ReadMarker(peer)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()

	s.mu.RLock()
	var ids []string
	for _, r := range s.convs[peer] {
		if r.from == peer && r.sentAt.After(marker) {
			ids = append(ids, r.payload.MessageID)
		}
	}
	s.mu.RUnlock()

	if err := s.store.SetReadMarker(peer, now); err != nil {
		return 0, err
	}
	if s.net != nil && s.net.IsIdentified(peer) {
		for _, id := range ids {
			ack := &protocol.MessageAck{MessageID: id, Status: protocol.StatusRead, At: now}
			if err := s.net.Send(ctx, peer, ack); err != nil {
				log.Debug("read receipt not sent", "peer", peer.ShortString(), "error", err)
				break
			}
		}
	}
	return len(ids), nil
}

// ============================================================================
//                              Inbound
// ============================================================================

// handleDirectMessage applies a pushed message. A message the local peer
// does not accept is answered with StatusRejected and nothing else.
func (s *Service) handleDirectMessage(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	dm, ok := msg.(*protocol.DirectMessage)
	if !ok || dm.Event == nil {
		return nil, fmt.Errorf("%w: malformed direct message", types.ErrValidation)
	}
	e := dm.Event
	if e.Domain != types.DomainMessage || e.Origin != from {
		return nil, fmt.Errorf("%w: direct message must carry the sender's message event", types.ErrValidation)
	}
	p, err := DecodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	ack := &protocol.MessageAck{MessageID: p.MessageID, Status: protocol.StatusDelivered, At: s.clock.Now()}
	res := s.engine.ApplyRemoteEvent(e)
	switch {
	case res.Status != syncengine.Rejected:
	case errors.Is(res.Reason, types.ErrUnauthorized):
		log.Info("direct message rejected", "from", from.ShortString(), "id", p.MessageID, "reason", res.Reason)
		ack.Status = protocol.StatusRejected
	default:
		return nil, res.Reason
	}
	return ack, nil
}

func (s *Service) handleAck(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	ack, ok := msg.(*protocol.MessageAck)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an ack", types.ErrValidation, msg.Kind())
	}
	s.recordAck(from, ack)
	return nil, nil
}

// Acked records the answer to a pushed message.
func (s *Service) Acked(peer types.PeerID, e *eventlog.Event, resp protocol.Message) {
	if ack, ok := resp.(*protocol.MessageAck); ok {
		s.recordAck(peer, ack)
	}
}

// recordAck advances the status of an outgoing message sent to peer.
// Statuses only move forward: sent, then delivered, then read.
func (s *Service) recordAck(peer types.PeerID, ack *protocol.MessageAck) {
	s.mu.RLock()
	r, ok := s.byMsgID[ack.MessageID]
	s.mu.RUnlock()
	if !ok || r.to != peer {
		return
	}
	st, err := s.store.Status(ack.MessageID)
	if err != nil {
		log.Warn("reading message status failed", "id", ack.MessageID, "error", err)
		return
	}
	switch ack.Status {
	case protocol.StatusDelivered:
		if st.Status == protocol.StatusRead {
			return
		}
		st.Status, st.DeliveredAt = protocol.StatusDelivered, ack.At
	case protocol.StatusRead:
		if st.DeliveredAt.IsZero() {
			st.DeliveredAt = ack.At
		}
		st.Status, st.ReadAt = protocol.StatusRead, ack.At
	case protocol.StatusRejected:
		st.Status = protocol.StatusRejected
	default:
		return
	}
	if err := s.store.SetStatus(ack.MessageID, st); err != nil {
		log.Warn("saving message status failed", "id", ack.MessageID, "error", err)
		return
	}
	if s.status != nil {
		_ = s.status.Emit(types.EvtMessageStatus{MessageID: ack.MessageID, Peer: peer, Status: st.Status})
	}
}
