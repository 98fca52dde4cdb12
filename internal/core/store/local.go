package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dep2p/harbor/pkg/types"
)

// ============================================================================
//                              Communities
// ============================================================================

// Community is a relay the local peer joined under a name.
type Community struct {
	Relay      types.PeerID `json:"relay"`
	Addr       string       `json:"addr"`
	Name       string       `json:"name,omitempty"`
	JoinedAt   time.Time    `json:"joinedAt"`
	LastSyncAt time.Time    `json:"lastSyncAt,omitempty"`
}

// PutCommunity stores c keyed by its relay.
func (s *Store) PutCommunity(c *Community) error {
	return s.communities.PutJSON([]byte(c.Relay), c)
}

// DeleteCommunity forgets the community hosted by relay.
func (s *Store) DeleteCommunity(relay types.PeerID) error {
	return s.communities.Delete([]byte(relay))
}

// Communities returns the joined communities, oldest first.
func (s *Store) Communities() ([]*Community, error) {
	var (
		out    []*Community
		decErr error
	)
	err := s.communities.Scan(nil, func(_, value []byte) bool {
		var c Community
		if err := json.Unmarshal(value, &c); err != nil {
			decErr = corrupt(err)
			return false
		}
		out = append(out, &c)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, decErr
}

// ============================================================================
//                              Conversation state
// ============================================================================

// ReadMarker returns when the conversation with peer was last read.
func (s *Store) ReadMarker(peer types.PeerID) (time.Time, error) {
	ms, err := s.reads.GetUint64([]byte(peer))
	if err != nil || ms == 0 {
		return time.Time{}, corrupt(err)
	}
	return time.UnixMilli(int64(ms)), nil
}

// SetReadMarker records that the conversation with peer was read at t.
func (s *Store) SetReadMarker(peer types.PeerID, t time.Time) error {
	return s.reads.PutUint64([]byte(peer), uint64(t.UnixMilli()))
}

// MessageStatus is the delivery state of an outgoing message.
type MessageStatus struct {
	Status      string    `json:"status"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	ReadAt      time.Time `json:"readAt,omitempty"`
}

// Status returns the recorded status of message id, zero when unknown.
func (s *Store) Status(id string) (MessageStatus, error) {
	var st MessageStatus
	err := s.status.GetJSON([]byte(id), &st)
	if notFound(err) == types.ErrNotFound {
		return MessageStatus{}, nil
	}
	return st, corrupt(err)
}

// SetStatus records the status of message id.
func (s *Store) SetStatus(id string, st MessageStatus) error {
	return s.status.PutJSON([]byte(id), st)
}
