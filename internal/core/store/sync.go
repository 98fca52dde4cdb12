package store

import (
	"fmt"
	"strconv"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/storage/kv"
	"github.com/dep2p/harbor/pkg/types"
)

// ============================================================================
//                              Sync progress
// ============================================================================

func progressKey(peer types.PeerID, d types.Domain) []byte {
	return []byte(string(peer) + "/" + string(d))
}

// Progress returns the highest lamport value fully synced from peer in d.
func (s *Store) Progress(peer types.PeerID, d types.Domain) (uint64, error) {
	v, err := s.progress.GetUint64(progressKey(peer, d))
	return v, corrupt(err)
}

// SetProgress records the sync watermark for peer in d.
func (s *Store) SetProgress(peer types.PeerID, d types.Domain, lamport uint64) error {
	return s.progress.PutUint64(progressKey(peer, d), lamport)
}

// ============================================================================
//                              Outbound queue
// ============================================================================

// Queued is one event waiting for a peer to become reachable.
type Queued struct {
	Seq   uint64
	Event *eventlog.Event
}

func queueKey(peer types.PeerID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", peer, seq))
}

// Peer ids are base58 and never contain '#'.
const seqPrefix = "#seq/"

func queuePrefix(peer types.PeerID) []byte {
	return []byte(string(peer) + "/")
}

// Enqueue appends e to peer's queue, dropping the oldest entries beyond max.
// It returns how many entries were dropped.
func (s *Store) Enqueue(peer types.PeerID, e *eventlog.Event, max int) (int, error) {
	dropped := 0
	err := s.queue.Update(func(txn *kv.Txn) error {
		seq, err := nextSeq(txn, peer)
		if err != nil {
			return err
		}
		var keys [][]byte
		if err := txn.Scan(queuePrefix(peer), func(key, _ []byte) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for ; len(keys) > 0 && len(keys) >= max; keys = keys[1:] {
			if err := txn.Delete(keys[0]); err != nil {
				return err
			}
			dropped++
		}
		return txn.Set(queueKey(peer, seq), e.Marshal())
	})
	if err != nil {
		return 0, corrupt(err)
	}
	if dropped > 0 {
		log.Debug("outbound queue overflow", "peer", peer.ShortString(), "dropped", dropped)
	}
	return dropped, nil
}

func seqKey(peer types.PeerID) []byte {
	return []byte(seqPrefix + string(peer))
}

func nextSeq(txn *kv.Txn, peer types.PeerID) (uint64, error) {
	var seq uint64
	data, err := txn.Get(seqKey(peer))
	switch {
	case err == nil:
		if seq, err = kv.DecodeUint64(data); err != nil {
			return 0, err
		}
	case notFound(err) != types.ErrNotFound:
		return 0, err
	}
	seq++
	return seq, txn.Set(seqKey(peer), kv.EncodeUint64(seq))
}

// Pending returns peer's queued events, oldest first.
func (s *Store) Pending(peer types.PeerID) ([]Queued, error) {
	var (
		out    []Queued
		decErr error
	)
	err := s.queue.Scan(queuePrefix(peer), func(key, value []byte) bool {
		seq, err := strconv.ParseUint(string(key[len(peer)+1:]), 10, 64)
		if err != nil {
			decErr = fmt.Errorf("%w: queue key %q", types.ErrCorruptStore, key)
			return false
		}
		e, err := eventlog.Unmarshal(value)
		if err != nil {
			decErr = fmt.Errorf("%w: queued event: %v", types.ErrCorruptStore, err)
			return false
		}
		out = append(out, Queued{Seq: seq, Event: e})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decErr
}

// Dequeue removes delivered entries from peer's queue.
func (s *Store) Dequeue(peer types.PeerID, seqs ...uint64) error {
	return s.queue.Update(func(txn *kv.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(queueKey(peer, seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueuedPeers returns the peers with a non-empty queue.
func (s *Store) QueuedPeers() ([]types.PeerID, error) {
	seen := make(map[types.PeerID]bool)
	var out []types.PeerID
	err := s.queue.Scan(nil, func(key, _ []byte) bool {
		if len(key) > 0 && key[0] == '#' {
			return true
		}
		for i, c := range key {
			if c == '/' {
				p := types.PeerID(key[:i])
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
				break
			}
		}
		return true
	})
	return out, err
}
