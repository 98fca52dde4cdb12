package content

import (
	"fmt"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/pkg/types"
)

// Domain returns the post domain.
func (s *Service) Domain() types.Domain { return types.DomainPost }

// Validate accepts the local peer's posts and posts of authors that grant
// the local peer WallRead.
func (s *Service) Validate(e *eventlog.Event) error {
	if _, err := DecodePayload(e.Payload); err != nil {
		return err
	}
	me, err := s.keystore.Current()
	if err != nil {
		return err
	}
	if e.Origin == me.PeerID() || s.caps.HasGrantFrom(e.Origin, types.CapabilityWallRead) {
		return nil
	}
	return fmt.Errorf("%w: no wall access to %s", types.ErrUnauthorized, e.Origin.ShortString())
}

// Apply folds a post event into the view. Only the author of a post can
// change it; a deleted id stays deleted.
func (s *Service) Apply(e *eventlog.Event) {
	p, err := DecodePayload(e.Payload)
	if err != nil {
		log.Warn("dropping undecodable post event", "event", e.ShortID(), "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[p.PostID] {
		return
	}
	cur, exists := s.posts[p.PostID]
	switch p.Op {
	case OpCreate:
		if exists {
			return
		}
		s.posts[p.PostID] = &Post{
			ID:          p.PostID,
			EventID:     e.ID,
			Author:      e.Origin,
			ContentType: p.ContentType,
			Body:        p.Body,
			Media:       p.Media,
			Lamport:     e.Lamport,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.CreatedAt,
		}
	case OpUpdate:
		if !exists || cur.Author != e.Origin {
			return
		}
		cur.Body, cur.ContentType, cur.Media = p.Body, p.ContentType, p.Media
		cur.EventID, cur.Lamport, cur.UpdatedAt = e.ID, e.Lamport, e.CreatedAt
	case OpDelete:
		if !exists || cur.Author != e.Origin {
			return
		}
		delete(s.posts, p.PostID)
		s.deleted[p.PostID] = true
	}
}

// Reset clears the view before a rebuild.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = make(map[string]*Post)
	s.deleted = make(map[string]bool)
}

// Recipients are the peers the local peer currently grants WallRead.
func (s *Service) Recipients(*eventlog.Event) []types.PeerID {
	seen := make(map[types.PeerID]bool)
	var out []types.PeerID
	for _, p := range s.caps.PeersWith(types.CapabilityWallRead) {
		if !seen[p] && s.caps.Authorize(p, types.CapabilityWallRead) {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Visible serves the local peer's posts to holders of WallRead. Posts by
// others are never passed on.
func (s *Service) Visible(peer types.PeerID, e *eventlog.Event) bool {
	if peer == e.Origin {
		return true
	}
	me, err := s.keystore.Current()
	if err != nil || e.Origin != me.PeerID() {
		return false
	}
	return s.caps.Authorize(peer, types.CapabilityWallRead)
}

// Notify announces new posts from other peers.
func (s *Service) Notify(e *eventlog.Event) {
	if s.posted == nil {
		return
	}
	me, err := s.keystore.Current()
	if err != nil || e.Origin == me.PeerID() {
		return
	}
	p, err := DecodePayload(e.Payload)
	if err != nil || p.Op != OpCreate {
		return
	}
	_ = s.posted.Emit(types.EvtPostReceived{PostID: p.PostID, Author: e.Origin})
}
