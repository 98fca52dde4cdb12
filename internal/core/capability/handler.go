package capability

import (
	"fmt"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// The methods below make Service the permission-domain handler of the sync
// engine.

// Domain returns the permission domain.
func (s *Service) Domain() types.Domain { return types.DomainPermission }

// Validate checks a permission event before it enters the log.
func (s *Service) Validate(e *eventlog.Event) error {
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		return err
	}
	if rec.Issuer() != e.Origin {
		return fmt.Errorf("%w: record issuer is not the event origin", types.ErrUnauthorized)
	}

	if rec.Grant != nil {
		return rec.Grant.Verify()
	}
	if err := rec.Revoke.Verify(); err != nil {
		return err
	}
	if g, ok := s.Grant(rec.Revoke.GrantID); ok && g.Issuer != rec.Revoke.Issuer {
		return fmt.Errorf("%w: revoke by non-issuer", types.ErrUnauthorized)
	}
	return nil
}

// Apply folds one event, in log order, into the view.
func (s *Service) Apply(e *eventlog.Event) {
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		log.Warn("dropping undecodable permission event", "event", e.ShortID(), "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if g := rec.Grant; g != nil {
		s.grants[g.ID] = g
		if r, ok := s.revoked[g.ID]; ok && r.Issuer == g.Issuer {
			// Revoked earlier in the log than the grant itself.
			return
		}
		s.decisions[decisionKey{g.Issuer, g.Subject, g.Kind}] = &decision{grant: g}
		return
	}

	r := rec.Revoke
	s.revoked[r.GrantID] = r
	g, ok := s.grants[r.GrantID]
	if !ok || g.Issuer != r.Issuer {
		return
	}
	k := decisionKey{g.Issuer, g.Subject, g.Kind}
	if d := s.decisions[k]; d != nil && d.grant != nil && d.grant.ID == g.ID {
		s.decisions[k] = &decision{}
	}
}

// Reset clears the view before a rebuild.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = make(map[string]*Grant)
	s.revoked = make(map[string]*Revoke)
	s.decisions = make(map[decisionKey]*decision)
}

// Recipients returns the peers a permission event is pushed to.
func (s *Service) Recipients(e *eventlog.Event) []types.PeerID {
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		return nil
	}
	if rec.Grant != nil {
		return []types.PeerID{rec.Grant.Subject}
	}
	if g, ok := s.Grant(rec.Revoke.GrantID); ok {
		return []types.PeerID{g.Subject}
	}
	return nil
}

// Visible reports whether peer may receive e during sync: only the issuer
// and the subject see a grant or its revocation.
func (s *Service) Visible(peer types.PeerID, e *eventlog.Event) bool {
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		return false
	}
	if rec.Issuer() == peer {
		return true
	}
	if rec.Grant != nil {
		return rec.Grant.Subject == peer
	}
	g, ok := s.Grant(rec.Revoke.GrantID)
	return ok && g.Subject == peer
}

// Wrap carries a permission event as PermissionGrant or PermissionRevoke.
func (s *Service) Wrap(e *eventlog.Event) protocol.Message {
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		return nil
	}
	if rec.Grant != nil {
		return &protocol.PermissionGrant{EventBody: protocol.EventBody{Event: e}}
	}
	return &protocol.PermissionRevoke{EventBody: protocol.EventBody{Event: e}}
}

// Notify announces a newly applied event that involves the local peer.
func (s *Service) Notify(e *eventlog.Event) {
	if s.changed == nil {
		return
	}
	rec, err := DecodeRecord(e.Payload)
	if err != nil {
		return
	}
	var evt types.EvtPermissionChanged
	if g := rec.Grant; g != nil {
		evt = types.EvtPermissionChanged{Issuer: g.Issuer, Subject: g.Subject, Kind: g.Kind, Granted: true}
	} else if g, ok := s.Grant(rec.Revoke.GrantID); ok {
		evt = types.EvtPermissionChanged{Issuer: g.Issuer, Subject: g.Subject, Kind: g.Kind}
	} else {
		return
	}
	_ = s.changed.Emit(evt)
}
