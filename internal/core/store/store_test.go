package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/engine/badger"
	"github.com/dep2p/harbor/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng)
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(types.Profile{DisplayName: "test"})
	require.NoError(t, err)
	return id
}

func TestStore_Identity(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadIdentity()
	assert.ErrorIs(t, err, types.ErrNotFound)

	id := newTestIdentity(t)
	rec, err := identity.Seal(id, "correct horse", identity.KDFParams{Time: 1, Memory: 1024, Threads: 1})
	require.NoError(t, err)
	require.NoError(t, s.SaveIdentity(rec))

	got, err := s.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), got.PeerID)

	opened, err := got.Open("correct horse")
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), opened.PeerID())
}

func TestStore_IdentityCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.identity.Put(identityKey, []byte("{not json")))
	_, err := s.LoadIdentity()
	assert.ErrorIs(t, err, types.ErrCorruptStore)
}

func TestStore_Clock(t *testing.T) {
	s := newTestStore(t)
	v, err := s.LoadClock()
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.SaveClock(42))
	v, err = s.LoadClock()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestStore_EventsScanInLogOrder(t *testing.T) {
	s := newTestStore(t)
	a, b := newTestIdentity(t), newTestIdentity(t)
	now := time.Now()

	evs := []*eventlog.Event{
		eventlog.New(a, 10, types.DomainPost, []byte("x"), now),
		eventlog.New(b, 2, types.DomainPost, []byte("y"), now),
		eventlog.New(a, 2, types.DomainPost, []byte("z"), now),
		eventlog.New(a, 1, types.DomainMessage, []byte("m"), now),
	}
	for _, e := range evs {
		require.NoError(t, s.PutEvent(e))
	}

	got, err := s.LoadEvents(types.DomainPost)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, eventlog.Less(got[i-1], got[i]))
	}
	assert.Equal(t, uint64(10), got[2].Lamport)

	// The log replays from the store.
	l, err := eventlog.OpenLog(types.DomainMessage, s)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestStore_Peers(t *testing.T) {
	s := newTestStore(t)
	a, b := newTestIdentity(t), newTestIdentity(t)

	_, err := s.Peer(a.PeerID())
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec, err := s.UpdatePeer(a.PeerID(), func(r *types.PeerRecord) bool {
		r.Contact = true
		return r.MergeAddrs([]string{"/ip4/1.2.3.4/udp/4001/quic-v1"})
	})
	require.NoError(t, err)
	assert.Equal(t, a.PeerID(), rec.ID)

	_, err = s.UpdatePeer(b.PeerID(), func(r *types.PeerRecord) bool {
		r.Contact, r.Blocked = true, true
		return true
	})
	require.NoError(t, err)

	all, err := s.Peers()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	contacts, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, a.PeerID(), contacts[0].ID)
	assert.Len(t, contacts[0].Multiaddrs(), 1)

	require.NoError(t, s.DeletePeer(a.PeerID()))
	_, err = s.Peer(a.PeerID())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_OutboundQueueDropsOldest(t *testing.T) {
	s := newTestStore(t)
	me, peer := newTestIdentity(t), newTestIdentity(t)

	var dropped int
	for i := uint64(1); i <= 5; i++ {
		n, err := s.Enqueue(peer.PeerID(), eventlog.New(me, i, types.DomainMessage, nil, time.Now()), 3)
		require.NoError(t, err)
		dropped += n
	}
	assert.Equal(t, 2, dropped)

	pending, err := s.Pending(peer.PeerID())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(3), pending[0].Event.Lamport)
	assert.Equal(t, uint64(5), pending[2].Event.Lamport)

	peers, err := s.QueuedPeers()
	require.NoError(t, err)
	assert.Equal(t, []types.PeerID{peer.PeerID()}, peers)

	require.NoError(t, s.Dequeue(peer.PeerID(), pending[0].Seq, pending[1].Seq))
	pending, err = s.Pending(peer.PeerID())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(5), pending[0].Event.Lamport)
}

func TestStore_Progress(t *testing.T) {
	s := newTestStore(t)
	p := newTestIdentity(t).PeerID()

	v, err := s.Progress(p, types.DomainPost)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.SetProgress(p, types.DomainPost, 17))
	v, err = s.Progress(p, types.DomainPost)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), v)

	v, err = s.Progress(p, types.DomainMessage)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestStore_Media(t *testing.T) {
	s := newTestStore(t)
	m := &Media{Hash: "abc", MimeType: "image/png", Size: 3, Chunks: 2, Complete: true}
	require.NoError(t, s.PutMedia(m))
	require.NoError(t, s.PutChunk("abc", 0, []byte{1}))
	require.NoError(t, s.PutChunk("abc", 1, []byte{2, 3}))

	got, err := s.Media("abc")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Chunks)

	c, err := s.Chunk("abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, c)

	require.NoError(t, s.DeleteMedia("abc"))
	_, err = s.Chunk("abc", 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Media("abc")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_CommunitiesAndMarkers(t *testing.T) {
	s := newTestStore(t)
	r1, r2 := newTestIdentity(t).PeerID(), newTestIdentity(t).PeerID()
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutCommunity(&Community{Relay: r2, Name: "b", JoinedAt: base.Add(time.Hour)}))
	require.NoError(t, s.PutCommunity(&Community{Relay: r1, Name: "a", JoinedAt: base}))
	cs, err := s.Communities()
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "a", cs[0].Name)

	require.NoError(t, s.DeleteCommunity(r1))
	cs, err = s.Communities()
	require.NoError(t, err)
	assert.Len(t, cs, 1)

	at, err := s.ReadMarker(r1)
	require.NoError(t, err)
	assert.True(t, at.IsZero())
	require.NoError(t, s.SetReadMarker(r1, base))
	at, err = s.ReadMarker(r1)
	require.NoError(t, err)
	assert.True(t, at.Equal(base))

	st, err := s.Status("m1")
	require.NoError(t, err)
	assert.Empty(t, st.Status)
	require.NoError(t, s.SetStatus("m1", MessageStatus{Status: "read", ReadAt: base}))
	st, err = s.Status("m1")
	require.NoError(t, err)
	assert.Equal(t, "read", st.Status)
}
