package dht

import (
	"bytes"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/pkg/types"
)

// KeySize is the key length in bits.
const KeySize = 256

// Key places a peer in the XOR space.
type Key = crypto.ContentHash

// KeyOf hashes the peer id bytes.
func KeyOf(id types.PeerID) Key { return crypto.HashContent(id.Bytes()) }

// Distance returns a XOR b.
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// commonPrefixLen counts the leading bits a and b share.
func commonPrefixLen(a, b Key) int {
	d := Distance(a, b)
	for i, x := range d {
		if x == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if x>>j&1 == 1 {
				return i*8 + 7 - j
			}
		}
	}
	return KeySize
}

// SortByDistance orders ids by their distance to target, closest first.
func SortByDistance(target Key, ids []types.PeerID) {
	sort.SliceStable(ids, func(i, j int) bool {
		di, dj := Distance(target, KeyOf(ids[i])), Distance(target, KeyOf(ids[j]))
		return bytes.Compare(di[:], dj[:]) < 0
	})
}

// ============================================================================
//                              Routing table
// ============================================================================

type contact struct {
	id       types.PeerID
	key      Key
	addrs    []ma.Multiaddr
	lastSeen time.Time
}

// RoutingTable keeps at most k contacts per common-prefix bucket, most
// recently seen last.
type RoutingTable struct {
	local Key
	self  types.PeerID
	k     int

	mu      sync.RWMutex
	buckets [KeySize + 1][]*contact
}

// NewRoutingTable creates an empty table around local.
func NewRoutingTable(local types.PeerID, k int) *RoutingTable {
	return &RoutingTable{local: KeyOf(local), self: local, k: k}
}

// Update adds or refreshes a contact. When the bucket is full the new
// contact is dropped, the older entries are kept.
func (rt *RoutingTable) Update(info types.AddrInfo, now time.Time) bool {
	if info.ID == rt.self || info.ID.IsEmpty() {
		return false
	}
	key := KeyOf(info.ID)
	idx := commonPrefixLen(rt.local, key)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	for i, c := range b {
		if c.id != info.ID {
			continue
		}
		if len(info.Addrs) > 0 {
			c.addrs = info.Addrs
		}
		c.lastSeen = now
		rt.buckets[idx] = append(append(b[:i:i], b[i+1:]...), c)
		return true
	}
	if len(b) >= rt.k {
		return false
	}
	rt.buckets[idx] = append(b, &contact{id: info.ID, key: key, addrs: info.Addrs, lastSeen: now})
	return true
}

// Remove drops id.
func (rt *RoutingTable) Remove(id types.PeerID) {
	idx := commonPrefixLen(rt.local, KeyOf(id))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	for i, c := range b {
		if c.id == id {
			rt.buckets[idx] = append(b[:i:i], b[i+1:]...)
			return
		}
	}
}

// Find returns the contact for id.
func (rt *RoutingTable) Find(id types.PeerID) (types.AddrInfo, bool) {
	idx := commonPrefixLen(rt.local, KeyOf(id))
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, c := range rt.buckets[idx] {
		if c.id == id {
			return c.info(), true
		}
	}
	return types.AddrInfo{}, false
}

// Nearest returns up to count contacts closest to target.
func (rt *RoutingTable) Nearest(target Key, count int) []types.AddrInfo {
	rt.mu.RLock()
	all := make([]*contact, 0, rt.sizeLocked())
	for _, b := range rt.buckets {
		all = append(all, b...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di, dj := Distance(target, all[i].key), Distance(target, all[j].key)
		return bytes.Compare(di[:], dj[:]) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	out := make([]types.AddrInfo, len(all))
	for i, c := range all {
		out[i] = c.info()
	}
	return out
}

// Size returns the number of contacts.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.sizeLocked()
}

func (rt *RoutingTable) sizeLocked() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b)
	}
	return n
}

func (c *contact) info() types.AddrInfo {
	return types.AddrInfo{ID: c.id, Addrs: append([]ma.Multiaddr(nil), c.addrs...)}
}
