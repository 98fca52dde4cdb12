package store

import (
	"encoding/json"
	"sort"

	"github.com/dep2p/harbor/internal/core/storage/kv"
	"github.com/dep2p/harbor/pkg/types"
)

// Peer returns the record of id or types.ErrNotFound.
func (s *Store) Peer(id types.PeerID) (*types.PeerRecord, error) {
	var rec types.PeerRecord
	if err := s.peers.GetJSON([]byte(id), &rec); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// PutPeer replaces the record of rec.ID.
func (s *Store) PutPeer(rec *types.PeerRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	return s.peers.PutJSON([]byte(rec.ID), rec)
}

// UpdatePeer loads (or starts) the record of id, lets fn mutate it, and
// writes it back when fn returns true.
func (s *Store) UpdatePeer(id types.PeerID, fn func(rec *types.PeerRecord) bool) (*types.PeerRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var rec types.PeerRecord
	err := s.peers.Update(func(txn *kv.Txn) error {
		data, err := txn.Get([]byte(id))
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &rec); err != nil {
				return corrupt(err)
			}
		case notFound(err) == types.ErrNotFound:
			rec = types.PeerRecord{ID: id}
		default:
			return err
		}
		if !fn(&rec) {
			return nil
		}
		return txn.SetJSON([]byte(id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeletePeer removes the record of id.
func (s *Store) DeletePeer(id types.PeerID) error {
	return s.peers.Delete([]byte(id))
}

// Peers returns every stored record ordered by peer id.
func (s *Store) Peers() ([]*types.PeerRecord, error) {
	var (
		out    []*types.PeerRecord
		decErr error
	)
	err := s.peers.Scan(nil, func(_, value []byte) bool {
		var rec types.PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			decErr = corrupt(err)
			return false
		}
		out = append(out, &rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Contacts returns the peers flagged as contacts and not blocked.
func (s *Store) Contacts() ([]*types.PeerRecord, error) {
	all, err := s.Peers()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Contact && !rec.Blocked {
			out = append(out, rec)
		}
	}
	return out, nil
}
