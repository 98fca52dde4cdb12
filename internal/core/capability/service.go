package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("capability")

// Emitter appends locally created events to the permission log.
type Emitter interface {
	AppendLocalEvent(ctx context.Context, domain types.Domain, payload []byte) (*eventlog.Event, error)
}

type decisionKey struct {
	issuer  types.PeerID
	subject types.PeerID
	kind    types.CapabilityKind
}

// decision is the fold state of one key: the deciding grant, or nil once
// revoked.
type decision struct {
	grant *Grant
}

// Request is an inbound request for a capability.
type Request struct {
	From       types.PeerID
	Kind       types.CapabilityKind
	Message    string
	ReceivedAt time.Time
}

// Service is the capability view over the permission log and the API to
// extend it.
type Service struct {
	keystore *identity.Keystore
	emitter  Emitter
	clock    clock.Clock
	net      Network

	changed pkgif.Emitter
	asked   pkgif.Emitter

	mu        sync.RWMutex
	grants    map[string]*Grant
	revoked   map[string]*Revoke
	decisions map[decisionKey]*decision
	requests  map[decisionKey]Request
}

// NewService returns a capability service. bus may be nil.
func NewService(ks *identity.Keystore, emitter Emitter, clk clock.Clock, bus pkgif.EventBus) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{
		keystore:  ks,
		emitter:   emitter,
		clock:     clk,
		grants:    make(map[string]*Grant),
		revoked:   make(map[string]*Revoke),
		decisions: make(map[decisionKey]*decision),
		requests:  make(map[decisionKey]Request),
	}
	if bus != nil {
		var err error
		if s.changed, err = bus.Emitter(new(types.EvtPermissionChanged)); err != nil {
			return nil, err
		}
		if s.asked, err = bus.Emitter(new(types.EvtPermissionRequested)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) self() (*identity.Identity, error) {
	return s.keystore.Current()
}

// ============================================================================
//                              Issue / revoke
// ============================================================================

// IssueGrant signs and publishes a grant for subject. A zero ttl never expires.
func (s *Service) IssueGrant(ctx context.Context, subject types.PeerID, kind types.CapabilityKind, ttl time.Duration) (*Grant, error) {
	me, err := s.self()
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: capability %d", types.ErrValidation, kind)
	}
	if err := subject.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if subject == me.PeerID() {
		return nil, fmt.Errorf("%w: cannot grant to self", types.ErrValidation)
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	g := &Grant{
		ID:       uuid.NewString(),
		Issuer:   me.PeerID(),
		Subject:  subject,
		Kind:     kind,
		IssuedAt: now,
	}
	if ttl > 0 {
		g.ExpiresAt = now.Add(ttl)
	}
	g.sign(me)

	if _, err := s.emitter.AppendLocalEvent(ctx, types.DomainPermission, EncodeRecord(Record{Grant: g})); err != nil {
		return nil, err
	}
	log.Info("grant issued", "subject", subject.ShortString(), "kind", kind, "grant", g.ID)
	return g, nil
}

// GrantAll issues every capability kind to subject.
func (s *Service) GrantAll(ctx context.Context, subject types.PeerID) ([]*Grant, error) {
	out := make([]*Grant, 0, len(types.AllCapabilities))
	for _, k := range types.AllCapabilities {
		g, err := s.IssueGrant(ctx, subject, k, 0)
		if err != nil {
			return out, err
		}
		out = append(out, g)
	}
	return out, nil
}

// RevokeGrant publishes a revocation of a grant the local peer issued.
func (s *Service) RevokeGrant(ctx context.Context, grantID string) (*Revoke, error) {
	me, err := s.self()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	g, ok := s.grants[grantID]
	s.mu.RUnlock()
	if !ok || g.Issuer != me.PeerID() {
		return nil, fmt.Errorf("%w: grant %s", types.ErrNotFound, grantID)
	}

	r := &Revoke{
		GrantID:   grantID,
		Issuer:    me.PeerID(),
		RevokedAt: s.clock.Now().UTC().Truncate(time.Millisecond),
	}
	r.sign(me)
	if _, err := s.emitter.AppendLocalEvent(ctx, types.DomainPermission, EncodeRecord(Record{Revoke: r})); err != nil {
		return nil, err
	}
	log.Info("grant revoked", "subject", g.Subject.ShortString(), "kind", g.Kind, "grant", grantID)
	return r, nil
}

// Revoke withdraws whatever grant currently authorizes subject for kind.
func (s *Service) Revoke(ctx context.Context, subject types.PeerID, kind types.CapabilityKind) error {
	me, err := s.self()
	if err != nil {
		return err
	}
	s.mu.RLock()
	d := s.decisions[decisionKey{me.PeerID(), subject, kind}]
	s.mu.RUnlock()
	if d == nil || d.grant == nil {
		return fmt.Errorf("%w: no %s grant for %s", types.ErrNotFound, kind, subject.ShortString())
	}
	_, err = s.RevokeGrant(ctx, d.grant.ID)
	return err
}

// ============================================================================
//                              Queries
// ============================================================================

// Authorize reports whether the local peer currently allows subject to use
// kind. It is evaluated against the clock on every call.
func (s *Service) Authorize(subject types.PeerID, kind types.CapabilityKind) bool {
	me, err := s.self()
	if err != nil {
		return false
	}
	return s.active(decisionKey{me.PeerID(), subject, kind})
}

// HasGrantFrom reports whether issuer currently allows the local peer kind.
func (s *Service) HasGrantFrom(issuer types.PeerID, kind types.CapabilityKind) bool {
	me, err := s.self()
	if err != nil {
		return false
	}
	return s.active(decisionKey{issuer, me.PeerID(), kind})
}

func (s *Service) active(k decisionKey) bool {
	s.mu.RLock()
	d := s.decisions[k]
	s.mu.RUnlock()
	return d != nil && d.grant != nil && d.grant.Active(s.clock.Now())
}

// Grants returns the active grants issued by the local peer.
func (s *Service) Grants() []*Grant {
	me, err := s.self()
	if err != nil {
		return nil
	}
	return s.collect(func(k decisionKey) bool { return k.issuer == me.PeerID() })
}

// ReceivedGrants returns the active grants held by the local peer.
func (s *Service) ReceivedGrants() []*Grant {
	me, err := s.self()
	if err != nil {
		return nil
	}
	return s.collect(func(k decisionKey) bool { return k.subject == me.PeerID() })
}

func (s *Service) collect(match func(decisionKey) bool) []*Grant {
	now := s.clock.Now()
	s.mu.RLock()
	var out []*Grant
	for k, d := range s.decisions {
		if match(k) && d.grant != nil && d.grant.Active(now) {
			out = append(out, d.grant)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// PeersWith returns the peers the local peer authorizes for kind.
func (s *Service) PeersWith(kind types.CapabilityKind) []types.PeerID {
	var out []types.PeerID
	for _, g := range s.Grants() {
		if g.Kind == kind {
			out = append(out, g.Subject)
		}
	}
	return out
}

// Grant returns a known grant by id.
func (s *Service) Grant(id string) (*Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	return g, ok
}

// ============================================================================
//                              Requests
// ============================================================================

// RecordRequest stores an inbound permission request and announces it.
func (s *Service) RecordRequest(from types.PeerID, kind types.CapabilityKind, message string) {
	me, err := s.self()
	if err != nil {
		return
	}
	req := Request{From: from, Kind: kind, Message: message, ReceivedAt: s.clock.Now()}
	s.mu.Lock()
	s.requests[decisionKey{me.PeerID(), from, kind}] = req
	s.mu.Unlock()
	if s.asked != nil {
		_ = s.asked.Emit(types.EvtPermissionRequested{From: from, Kind: kind, Message: message})
	}
}

// PendingRequests returns requests not yet answered by a grant.
func (s *Service) PendingRequests() []Request {
	s.mu.RLock()
	keys := make([]decisionKey, 0, len(s.requests))
	for k := range s.requests {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var out []Request
	for _, k := range keys {
		if s.active(k) {
			s.mu.Lock()
			delete(s.requests, k)
			s.mu.Unlock()
			continue
		}
		s.mu.RLock()
		req, ok := s.requests[k]
		s.mu.RUnlock()
		if ok {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
